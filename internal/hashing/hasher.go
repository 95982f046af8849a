package hashing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrInvalidHash = errors.New("invalid hash format")

// saltLength is the number of random bytes per salt, hex-encoded on output.
const saltLength = 16

// HashResult carries a salted digest. Hash and Salt are lowercase hex.
type HashResult struct {
	Hash      string `json:"hash"`
	Salt      string `json:"salt"`
	Algorithm string `json:"algorithm"`
}

type Hasher struct{}

func NewHasher() *Hasher {
	return &Hasher{}
}

// HashPIN derives a fresh salt and returns SHA-256(pin || salt), where the
// salt enters the digest in its hex form.
func (h *Hasher) HashPIN(pin string) (*HashResult, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	hexSalt := hex.EncodeToString(salt)
	digest := sha256.Sum256([]byte(pin + hexSalt))

	return &HashResult{
		Hash:      hex.EncodeToString(digest[:]),
		Salt:      hexSalt,
		Algorithm: "sha256-v1",
	}, nil
}

// VerifyPIN recomputes the digest with the stored salt and compares in
// constant time.
func (h *Hasher) VerifyPIN(pin string, hashResult *HashResult) (bool, error) {
	expected, err := hex.DecodeString(hashResult.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	digest := sha256.Sum256([]byte(pin + hashResult.Salt))

	return subtle.ConstantTimeCompare(digest[:], expected) == 1, nil
}
