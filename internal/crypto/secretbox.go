package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

const secretBoxInfo = "rhizome-v1-bundle-secret"

var ErrSealedSecretCorrupt = errors.New("sealed bundle secret is corrupt")

// SecretBox seals bundle secrets for storage. The key is derived from the
// local identity, so secrets only open on the node that sealed them.
type SecretBox struct {
	key [32]byte
}

// NewSecretBox derives the sealing key from the identity's private seed.
func NewSecretBox(id *Identity) (*SecretBox, error) {
	r := hkdf.New(sha256.New, id.PrivateKey.Seed(), nil, []byte(secretBoxInfo))
	var sb SecretBox
	if _, err := io.ReadFull(r, sb.key[:]); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return &sb, nil
}

// Seal binds the bundle ID as AAD, so a sealed secret cannot be moved to
// another bundle's row.
func (sb *SecretBox) Seal(id rhizome.BundleID, secret rhizome.BundleSecret) ([]byte, error) {
	return Seal(sb.key[:], id[:], secret[:])
}

// Open recovers a secret sealed for the same bundle ID.
func (sb *SecretBox) Open(id rhizome.BundleID, sealed []byte) (rhizome.BundleSecret, error) {
	var secret rhizome.BundleSecret
	if len(sealed) != SealOverhead+rhizome.BundleSecretBytes {
		return secret, ErrSealedSecretCorrupt
	}
	pt, err := Open(sb.key[:], id[:], sealed)
	if err != nil {
		return secret, err
	}
	copy(secret[:], pt)
	return secret, nil
}
