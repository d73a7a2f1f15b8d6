package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// UserIDChars is how many base64 characters of a public key are shown as a
// user id.
const UserIDChars = 15

// Identity is a signing keypair derived deterministically from a secret.
// The same secret always yields the same public key.
type Identity struct {
	private ed25519.PrivateKey
	public  [ed25519.PublicKeySize]byte
}

// NewIdentity derives an ed25519 keypair from SHA3-256(secret).
func NewIdentity(secret string) *Identity {
	seed := Hash([]byte(secret))
	priv := ed25519.NewKeyFromSeed(seed[:])

	id := &Identity{private: priv}
	copy(id.public[:], priv.Public().(ed25519.PublicKey))
	return id
}

// PublicKey returns the raw 32-byte public key
func (id *Identity) PublicKey() [ed25519.PublicKeySize]byte {
	return id.public
}

// UserID returns the short printable form of the public key
func (id *Identity) UserID() string {
	return UserID(id.public)
}

// Sign signs SHA3-256(data).
func (id *Identity) Sign(data []byte) [ed25519.SignatureSize]byte {
	sum := Hash(data)

	var sig [ed25519.SignatureSize]byte
	copy(sig[:], ed25519.Sign(id.private, sum[:]))
	return sig
}

// VerifySignature checks an ed25519 signature over SHA3-256(data)
func VerifySignature(publicKey, data, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return ErrInvalidKey
	}
	if len(signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}

	sum := Hash(data)
	if !ed25519.Verify(ed25519.PublicKey(publicKey), sum[:], signature) {
		return ErrInvalidSignature
	}
	return nil
}

// UserID renders a public key as a short base64 id
func UserID(publicKey [ed25519.PublicKeySize]byte) string {
	return base64.StdEncoding.EncodeToString(publicKey[:])[:UserIDChars]
}
