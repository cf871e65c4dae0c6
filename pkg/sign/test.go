package sign

import "crypto/ed25519"

// NewTestSigner generates a fresh ed25519 keypair. Intended for tests and
// simulations only; production keys should be provisioned externally.
func NewTestSigner() *Ed25519Signer {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	return NewEd25519Signer(priv)
}
