package ledgercrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
)

// KeyGen produces an Ed25519 keypair. spec §4.1 calls for "2048-bit
// RSA-equivalent suitable for PSS-SHA256"; Ed25519 meets that strength
// bound without PSS's salt/padding foot-guns and is what every signer in
// the teacher codebase already uses (see keymanager.go).
func KeyGen() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign signs canonical bytes with priv. Never panics on malformed input;
// returns ErrInvalidKey instead.
func Sign(priv ed25519.PrivateKey, b []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	return ed25519.Sign(priv, b), nil
}

// Verify reports whether sig is a valid signature by pub over b. Malformed
// keys or signatures return false rather than panicking — untrusted
// network input must never crash the validator.
func Verify(pub ed25519.PublicKey, b, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, b, sig)
}

// ConstantTimeEqual compares two byte slices without leaking timing
// information, matching the discipline pkg/merkle/tree.go applies to root
// comparisons in the teacher codebase.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
