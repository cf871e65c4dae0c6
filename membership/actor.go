package membership

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// Actor identifies a process by its ed25519 public key. The key doubles as
// the actor's network address and its single unit of vote weight. Actors are
// comparable, usable as map keys and totally ordered so that they can be used
// for deterministic tie-breaking.
type Actor [ed25519.PublicKeySize]byte

// ActorFromBytes converts a raw public key into an Actor.
func ActorFromBytes(b []byte) (Actor, error) {
	var a Actor
	if len(b) != ed25519.PublicKeySize {
		return a, fmt.Errorf("actor must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// Compare orders actors lexicographically by public key bytes.
func (a Actor) Compare(other Actor) int {
	return bytes.Compare(a[:], other[:])
}

// IsZero reports whether the actor is the unset value.
func (a Actor) IsZero() bool {
	return a == Actor{}
}

func (a Actor) String() string {
	return "i:" + hex.EncodeToString(a[:2]) + ".."
}

func (a Actor) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(a[:])), nil
}

func (a *Actor) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decoding actor: %w", err)
	}
	decoded, err := ActorFromBytes(b)
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// VerifyFunc dictates how signatures from actors should be verified. This
// needs to match the key protocol of the signer.
type VerifyFunc func(actor Actor, msg, sig []byte) bool

// Default to ed25519
func DefaultVerifyFunc() VerifyFunc {
	return func(actor Actor, msg, sig []byte) bool {
		return ed25519.Verify(actor[:], msg, sig)
	}
}
