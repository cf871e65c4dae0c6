package sign

import (
	"crypto/ed25519"

	"github.com/dsbnet/dsb/membership"
)

// Signer manages a process's private key and signs the envelopes the
// broadcast engine emits. The signature scheme must be deterministic and must
// match the VerifyFunc used by the rest of the group.
type Signer interface {
	// Actor returns the identity the signatures verify under. This must
	// always return the same value.
	Actor() membership.Actor

	Sign(msg []byte) ([]byte, error)
}

var _ Signer = (*Ed25519Signer)(nil)

// Ed25519Signer is the default Signer backed by an in-memory ed25519 key.
// Deployments that keep keys in an external service should implement Signer
// against that service instead.
type Ed25519Signer struct {
	privateKey ed25519.PrivateKey
	actor      membership.Actor
}

func NewEd25519Signer(privateKey ed25519.PrivateKey) *Ed25519Signer {
	publicKey := privateKey.Public().(ed25519.PublicKey)
	actor, err := membership.ActorFromBytes(publicKey)
	if err != nil {
		panic(err)
	}
	return &Ed25519Signer{
		privateKey: privateKey,
		actor:      actor,
	}
}

func (s *Ed25519Signer) Actor() membership.Actor {
	return s.actor
}

func (s *Ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.privateKey, msg), nil
}
