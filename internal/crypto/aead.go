package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

var (
	ErrInvalidKeySize       = errors.New("key must be exactly 32 bytes for AES-256")
	ErrAuthenticationFailed = errors.New("authentication failed: sealed data was altered or the key is wrong")
	ErrSealedTooShort       = errors.New("sealed data shorter than nonce and tag")
)

const (
	aeadKeySize   = 32
	aeadNonceSize = 12
	aeadTagSize   = 16

	// SealOverhead is what Seal adds to the plaintext length.
	SealOverhead = aeadNonceSize + aeadTagSize
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != aeadKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext with AES-256-GCM under a fresh random nonce and
// returns nonce || ciphertext || tag. aad is authenticated, not stored.
func Seal(key, aad, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aeadNonceSize, SealOverhead+len(plaintext))
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(out, out[:aeadNonceSize], plaintext, aad), nil
}

// Open reverses Seal given the same key and aad.
func Open(key, aad, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < SealOverhead {
		return nil, ErrSealedTooShort
	}
	pt, err := gcm.Open(nil, sealed[:aeadNonceSize], sealed[aeadNonceSize:], aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return pt, nil
}
