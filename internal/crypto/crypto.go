// Package crypto provides the cryptographic pieces of the rhizome daemon.
//
// This package implements:
//   - Ed25519 bundle secrets and author identities
//   - BLAKE3 payload hashing
//   - AES-256-GCM sealing of bundle secrets at rest, keyed by HKDF
//   - An Argon2id-protected keystore for the author identity
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

// Identity is the local author: the key that bundles created here are
// attributed to.
type Identity struct {
	PublicKey  ed25519.PublicKey  // 32 bytes
	PrivateKey ed25519.PrivateKey // 64 bytes
}

// SID returns the subscriber ID of the identity.
func (id *Identity) SID() rhizome.SubscriberID {
	var sid rhizome.SubscriberID
	copy(sid[:], id.PublicKey)
	return sid
}

// Fingerprint is a short printable digest of the public key.
func (id *Identity) Fingerprint() string {
	sum := sha256.Sum256(id.PublicKey)
	return "SHA256:" + hex.EncodeToString(sum[:])
}

// KeystoreEntry is an encrypted identity key as stored on disk.
type KeystoreEntry struct {
	Version       int    `json:"version"`
	KDF           string `json:"kdf"`
	Argon2Time    int    `json:"argon2_time"`
	Argon2Memory  int    `json:"argon2_memory"` // KiB
	Argon2Threads int    `json:"argon2_threads"`
	Salt          []byte `json:"salt"`
	// Sealed is nonce || AES-256-GCM ciphertext of the private key.
	Sealed []byte `json:"sealed"`
}

// GenerateIdentity creates a fresh author identity.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity keypair: %w", err)
	}
	return &Identity{PublicKey: pub, PrivateKey: priv}, nil
}

// GenerateBundleSecret creates the secret for a new bundle. The bundle ID is
// derived from it.
func GenerateBundleSecret() (rhizome.BundleSecret, error) {
	var s rhizome.BundleSecret
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("failed to generate bundle secret: %w", err)
	}
	return s, nil
}
