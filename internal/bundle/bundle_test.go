package bundle

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rhizomemesh/rhizome/internal/crypto"
	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

func TestCreate_SmallPayload(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	data := []byte("Hello, rhizome!")

	b, err := Create(bytes.NewReader(data), Options{
		Name:     "hello.txt",
		SpoolDir: t.TempDir(),
		Now:      func() time.Time { return fixed },
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer b.Cleanup()

	m := b.Manifest
	if m.FileSize != int64(len(data)) {
		t.Errorf("Expected file size %d, got %d", len(data), m.FileSize)
	}
	if m.Version != fixed.UnixMilli() {
		t.Errorf("Expected version %d, got %d", fixed.UnixMilli(), m.Version)
	}
	if m.Service != DefaultService {
		t.Errorf("Expected service %q, got %q", DefaultService, m.Service)
	}
	if m.ID != b.Secret.BundleID() {
		t.Error("bundle id does not match secret")
	}
	if err := m.Verify(); err != nil {
		t.Errorf("manifest does not verify: %v", err)
	}

	want, _, _ := crypto.HashPayload(bytes.NewReader(data))
	if m.FileHash != want {
		t.Errorf("file hash = %s, want %s", m.FileHash, want)
	}

	f, err := b.Open()
	if err != nil {
		t.Fatalf("Open spool failed: %v", err)
	}
	spooled, _ := io.ReadAll(f)
	f.Close()
	if !bytes.Equal(spooled, data) {
		t.Error("spooled payload differs from input")
	}
}

func TestCreate_EmptyPayload(t *testing.T) {
	b, err := Create(strings.NewReader(""), Options{SpoolDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer b.Cleanup()

	if b.Manifest.FileSize != 0 {
		t.Errorf("Expected empty payload, got %d bytes", b.Manifest.FileSize)
	}
	if !b.Manifest.FileHash.IsZero() {
		t.Error("empty payload must not carry a file hash")
	}
	if _, err := rhizome.ParseManifest(b.Manifest.Bytes()); err != nil {
		t.Errorf("manifest does not parse: %v", err)
	}
}

func TestCreate_NewVersionKeepsID(t *testing.T) {
	dir := t.TempDir()
	first, err := Create(strings.NewReader("v1"), Options{SpoolDir: dir, Version: 1})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer first.Cleanup()

	second, err := Create(strings.NewReader("v2"), Options{SpoolDir: dir, Version: 2, Secret: &first.Secret})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer second.Cleanup()

	if second.Manifest.ID != first.Manifest.ID {
		t.Error("update changed the bundle id")
	}
	if !second.Manifest.IsNewerThan(first.Manifest) {
		t.Error("second version is not newer")
	}
}

func TestBuild_Cleanup(t *testing.T) {
	b, err := Create(strings.NewReader("x"), Options{SpoolDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := b.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, err := os.Stat(b.SpoolPath); !os.IsNotExist(err) {
		t.Error("spool file still present")
	}
	if err := b.Cleanup(); err != nil {
		t.Errorf("second Cleanup failed: %v", err)
	}
}

func TestCreate_RejectsMultilineFields(t *testing.T) {
	dir := t.TempDir()
	cases := []Options{
		{Name: "evil\nname", SpoolDir: dir},
		{Service: "file\x00", SpoolDir: dir},
		{Extra: map[string]string{"note": "a\nfilesize=1"}, SpoolDir: dir},
	}
	for _, opts := range cases {
		_, err := Create(strings.NewReader("payload"), opts)
		if !errors.Is(err, rhizome.ErrInvalidManifest) {
			t.Errorf("Create(%+v): expected ErrInvalidManifest, got %v", opts, err)
		}
	}
	left, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("expected no spool files left, found %d", len(left))
	}
}
