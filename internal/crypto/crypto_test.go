package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

// TestGenerateBundleSecret tests that a fresh secret signs for its own bundle ID
func TestGenerateBundleSecret(t *testing.T) {
	s1, err := GenerateBundleSecret()
	if err != nil {
		t.Fatalf("GenerateBundleSecret() failed: %v", err)
	}
	s2, err := GenerateBundleSecret()
	if err != nil {
		t.Fatalf("GenerateBundleSecret() failed: %v", err)
	}
	if s1 == s2 {
		t.Error("two generated secrets are identical")
	}

	m := &rhizome.Manifest{ID: s1.BundleID(), Version: 1}
	if err := m.Sign(s1); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := m.Verify(); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

// TestSealAndOpen tests the AES-GCM roundtrip and AAD binding
func TestSealAndOpen(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	aad := []byte("bundle")
	plaintext := []byte("bundle secret material")

	sealed, err := Seal(key, aad, plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if len(sealed) != len(plaintext)+SealOverhead {
		t.Errorf("sealed length = %d, want %d", len(sealed), len(plaintext)+SealOverhead)
	}
	again, _ := Seal(key, aad, plaintext)
	if bytes.Equal(sealed, again) {
		t.Error("two seals of the same plaintext are identical; nonce reused")
	}

	pt, err := Open(key, aad, sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Error("decrypted plaintext does not match")
	}

	if _, err := Open(key, []byte("other"), sealed); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Open with wrong AAD: err = %v, want ErrAuthenticationFailed", err)
	}
	if _, err := Open(key, aad, sealed[:SealOverhead-1]); !errors.Is(err, ErrSealedTooShort) {
		t.Errorf("truncated: err = %v, want ErrSealedTooShort", err)
	}
}

// TestSealInvalidKey tests key size validation
func TestSealInvalidKey(t *testing.T) {
	if _, err := Seal(make([]byte, 16), nil, nil); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("short key: err = %v, want ErrInvalidKeySize", err)
	}
}

// TestSecretBox tests sealing a bundle secret and the AAD binding to its bundle ID
func TestSecretBox(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	box, err := NewSecretBox(id)
	if err != nil {
		t.Fatalf("NewSecretBox failed: %v", err)
	}
	secret, _ := GenerateBundleSecret()
	bid := secret.BundleID()

	sealed, err := box.Seal(bid, secret)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	got, err := box.Open(bid, sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got != secret {
		t.Error("opened secret does not match")
	}

	other, _ := GenerateBundleSecret()
	if _, err := box.Open(other.BundleID(), sealed); err == nil {
		t.Error("Open succeeded for a different bundle id")
	}
	if _, err := box.Open(bid, sealed[:10]); !errors.Is(err, ErrSealedSecretCorrupt) {
		t.Errorf("truncated: err = %v, want ErrSealedSecretCorrupt", err)
	}

	// A box derived from another identity cannot open it.
	id2, _ := GenerateIdentity()
	box2, _ := NewSecretBox(id2)
	if _, err := box2.Open(bid, sealed); err == nil {
		t.Error("foreign identity opened the secret")
	}
}

// TestKeystoreRoundTrip tests encrypted identity persistence
func TestKeystoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.json")
	id, created, err := LoadOrCreateIdentity(path, "correct horse")
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity failed: %v", err)
	}
	if !created {
		t.Error("expected a new identity to be created")
	}

	again, created, err := LoadOrCreateIdentity(path, "correct horse")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if created {
		t.Error("identity was regenerated on reload")
	}
	if again.SID() != id.SID() {
		t.Error("reloaded identity differs")
	}

	if _, err := LoadIdentity(path, "wrong"); !errors.Is(err, ErrInvalidPassphrase) {
		t.Errorf("wrong passphrase: err = %v, want ErrInvalidPassphrase", err)
	}
}

// TestKeystoreInsecure tests the unencrypted keystore variant
func TestKeystoreInsecure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")
	id, _ := GenerateIdentity()
	if err := SaveIdentity(id, path, ""); err != nil {
		t.Fatalf("SaveIdentity failed: %v", err)
	}
	if _, err := os.Stat(path + ".insecure"); err != nil {
		t.Fatalf("insecure keystore not written: %v", err)
	}
	loaded, err := LoadIdentity(path, "")
	if err != nil {
		t.Fatalf("LoadIdentity failed: %v", err)
	}
	if loaded.SID() != id.SID() {
		t.Error("loaded identity differs")
	}
	if !strings.HasPrefix(id.Fingerprint(), "SHA256:") {
		t.Errorf("fingerprint = %q", id.Fingerprint())
	}
}

// TestHashPayload tests hashing and the streaming reader agree
func TestHashPayload(t *testing.T) {
	data := bytes.Repeat([]byte("rhizome"), 100000)
	h1, n, err := HashPayload(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("HashPayload failed: %v", err)
	}
	if n != int64(len(data)) {
		t.Errorf("length = %d, want %d", n, len(data))
	}

	hr := NewHashingReader(bytes.NewReader(data))
	if _, err := bytes.NewBuffer(nil).ReadFrom(hr); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if hr.Sum() != h1 {
		t.Error("HashingReader sum differs from HashPayload")
	}

	h2, _, _ := HashPayload(bytes.NewReader(data[:len(data)-1]))
	if h1 == h2 {
		t.Error("different payloads produced the same hash")
	}
}
