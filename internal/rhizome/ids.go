// Package rhizome holds the value types shared by the rhizome daemon and its
// clients: bundle identifiers, manifests and retrieval results.
package rhizome

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// BundleIDBytes is the size of a bundle ID (an Ed25519 public key).
	BundleIDBytes = ed25519.PublicKeySize
	// SubscriberIDBytes is the size of an author identity.
	SubscriberIDBytes = ed25519.PublicKeySize
	// BundleSecretBytes is the size of a bundle secret (an Ed25519 seed).
	BundleSecretBytes = ed25519.SeedSize
	// FileHashBytes is the size of a BLAKE3-256 payload digest.
	FileHashBytes = 32
)

var ErrInvalidID = errors.New("invalid identifier")

// BundleID identifies a bundle across all of its versions.
type BundleID [BundleIDBytes]byte

// SubscriberID identifies the cryptographic author of a bundle.
type SubscriberID [SubscriberIDBytes]byte

// BundleSecret is the key material that grants write access to a bundle.
type BundleSecret [BundleSecretBytes]byte

// FileHash is the content address of a payload.
type FileHash [FileHashBytes]byte

func parseHex(dst []byte, s, kind string) error {
	s = strings.TrimSpace(s)
	if len(s) != 2*len(dst) {
		return fmt.Errorf("%w: %s must be %d hex digits, got %d", ErrInvalidID, kind, 2*len(dst), len(s))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidID, kind, err)
	}
	return nil
}

func ParseBundleID(s string) (BundleID, error) {
	var id BundleID
	err := parseHex(id[:], s, "bundle id")
	return id, err
}

func (id BundleID) String() string { return strings.ToUpper(hex.EncodeToString(id[:])) }

// HasPrefix reports whether the ID starts with the given raw bytes.
func (id BundleID) HasPrefix(prefix []byte) bool {
	if len(prefix) > len(id) {
		return false
	}
	for i, b := range prefix {
		if id[i] != b {
			return false
		}
	}
	return true
}

func (id BundleID) IsZero() bool { return id == BundleID{} }

func ParseSubscriberID(s string) (SubscriberID, error) {
	var sid SubscriberID
	err := parseHex(sid[:], s, "subscriber id")
	return sid, err
}

func (sid SubscriberID) String() string { return strings.ToUpper(hex.EncodeToString(sid[:])) }

func ParseBundleSecret(s string) (BundleSecret, error) {
	var bs BundleSecret
	err := parseHex(bs[:], s, "bundle secret")
	return bs, err
}

func (bs BundleSecret) String() string { return strings.ToUpper(hex.EncodeToString(bs[:])) }

// PrivateKey expands the secret into the Ed25519 signing key.
func (bs BundleSecret) PrivateKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(bs[:])
}

// BundleID returns the ID of the bundle this secret can write.
func (bs BundleSecret) BundleID() BundleID {
	var id BundleID
	copy(id[:], bs.PrivateKey().Public().(ed25519.PublicKey))
	return id
}

func ParseFileHash(s string) (FileHash, error) {
	var h FileHash
	err := parseHex(h[:], s, "file hash")
	return h, err
}

func (h FileHash) String() string { return strings.ToUpper(hex.EncodeToString(h[:])) }

func (h FileHash) IsZero() bool { return h == FileHash{} }

func (id BundleID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *BundleID) UnmarshalText(b []byte) error {
	v, err := ParseBundleID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (sid SubscriberID) MarshalText() ([]byte, error) { return []byte(sid.String()), nil }

func (sid *SubscriberID) UnmarshalText(b []byte) error {
	v, err := ParseSubscriberID(string(b))
	if err != nil {
		return err
	}
	*sid = v
	return nil
}

func (h FileHash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }
