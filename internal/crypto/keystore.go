package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters (recommended values for interactive use)
	argon2Time      = 3     // Number of iterations
	argon2Memory    = 65536 // Memory in KiB (64 MiB)
	argon2Threads   = 4     // Parallelism factor
	argon2KeyLen    = 32    // Output key length (AES-256)
	saltSize        = 32
	keystoreVersion = 1

	insecureSuffix = ".insecure"
)

var (
	// ErrInvalidPassphrase is returned when the passphrase fails to decrypt the keystore
	ErrInvalidPassphrase = errors.New("invalid passphrase or corrupted keystore")
)

// SaveIdentity writes the identity's private key to keystorePath.
//
// With an empty passphrase the raw key is written to keystorePath+".insecure";
// use that only for tests and throwaway nodes. Otherwise the key is sealed
// with AES-256-GCM under an Argon2id-derived key.
func SaveIdentity(id *Identity, keystorePath, passphrase string) error {
	if len(id.PrivateKey) != ed25519.PrivateKeySize {
		return errors.New("Ed25519 private key must be 64 bytes")
	}
	if err := os.MkdirAll(filepath.Dir(keystorePath), 0o700); err != nil {
		return fmt.Errorf("failed to create keystore directory: %w", err)
	}

	data := []byte(id.PrivateKey)
	if passphrase == "" {
		keystorePath += insecureSuffix
	} else {
		entry, err := encryptKey(id.PrivateKey, passphrase)
		if err != nil {
			return fmt.Errorf("failed to encrypt key: %w", err)
		}
		if data, err = json.MarshalIndent(entry, "", "  "); err != nil {
			return fmt.Errorf("failed to marshal keystore entry: %w", err)
		}
	}

	if err := os.WriteFile(keystorePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write keystore file: %w", err)
	}
	return nil
}

// LoadIdentity reads an identity saved by SaveIdentity with the same
// passphrase.
func LoadIdentity(keystorePath, passphrase string) (*Identity, error) {
	var priv []byte
	if passphrase == "" {
		data, err := os.ReadFile(keystorePath + insecureSuffix)
		if err != nil {
			return nil, fmt.Errorf("failed to read keystore file: %w", err)
		}
		if len(data) != ed25519.PrivateKeySize {
			return nil, errors.New("invalid unencrypted keystore: expected 64 bytes")
		}
		priv = data
	} else {
		data, err := os.ReadFile(keystorePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read keystore file: %w", err)
		}
		var entry KeystoreEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal keystore entry: %w", err)
		}
		if priv, err = decryptKey(&entry, passphrase); err != nil {
			return nil, err
		}
	}

	key := ed25519.PrivateKey(priv)
	return &Identity{PublicKey: key.Public().(ed25519.PublicKey), PrivateKey: key}, nil
}

// LoadOrCreateIdentity loads the identity at keystorePath, generating and
// saving a new one when none exists.
func LoadOrCreateIdentity(keystorePath, passphrase string) (*Identity, bool, error) {
	id, err := LoadIdentity(keystorePath, passphrase)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	if id, err = GenerateIdentity(); err != nil {
		return nil, false, err
	}
	if err := SaveIdentity(id, keystorePath, passphrase); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

func encryptKey(privateKey []byte, passphrase string) (*KeystoreEntry, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	derivedKey := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	sealed, err := Seal(derivedKey, nil, privateKey)
	if err != nil {
		return nil, err
	}

	return &KeystoreEntry{
		Version:       keystoreVersion,
		KDF:           "argon2id",
		Argon2Time:    argon2Time,
		Argon2Memory:  argon2Memory,
		Argon2Threads: argon2Threads,
		Salt:          salt,
		Sealed:        sealed,
	}, nil
}

func decryptKey(entry *KeystoreEntry, passphrase string) ([]byte, error) {
	if entry.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version: %d", entry.Version)
	}
	if entry.KDF != "argon2id" {
		return nil, fmt.Errorf("unsupported KDF: %s", entry.KDF)
	}

	derivedKey := argon2.IDKey(
		[]byte(passphrase),
		entry.Salt,
		uint32(entry.Argon2Time),
		uint32(entry.Argon2Memory),
		uint8(entry.Argon2Threads),
		argon2KeyLen,
	)
	plaintext, err := Open(derivedKey, nil, entry.Sealed)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	if len(plaintext) != ed25519.PrivateKeySize {
		return nil, errors.New("decrypted key has invalid size")
	}
	return plaintext, nil
}

// DefaultDataDir returns the default daemon data directory.
// On Unix: $XDG_DATA_HOME/rhizome or ~/.local/share/rhizome
func DefaultDataDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "rhizome")
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "rhizome")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "rhizome")
}
