// Package quicutil builds the TLS configuration of the QUIC advert transport.
//
// Each node presents a self-signed certificate over its Ed25519 identity key,
// so the key read back from a peer's certificate is that node's subscriber
// ID. Certificates are not chained to any authority and are never verified:
// bundles carry their own signatures and an advert from an unknown node is
// as acceptable as one from a known node.
package quicutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"
)

const certLifetime = 365 * 24 * time.Hour

// NewCertificate self-signs a certificate for key. A nil key gets a fresh
// throwaway key.
func NewCertificate(key ed25519.PrivateKey, commonName string) (tls.Certificate, error) {
	if key == nil {
		var err error
		if _, key, err = ed25519.GenerateKey(rand.Reader); err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to generate key: %w", err)
		}
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}
	if commonName == "" {
		commonName = "rhizome"
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"rhizome"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

func baseConfig(cert tls.Certificate, protos []string) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         protos,
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
	}
}

// ServerConfig asks dialers for their certificate but accepts any, or none.
func ServerConfig(key ed25519.PrivateKey, commonName string, protos ...string) (*tls.Config, error) {
	cert, err := NewCertificate(key, commonName)
	if err != nil {
		return nil, err
	}
	cfg := baseConfig(cert, protos)
	cfg.ClientAuth = tls.RequestClientCert
	return cfg, nil
}

// ClientConfig presents the node certificate and skips server verification.
func ClientConfig(key ed25519.PrivateKey, commonName string, protos ...string) (*tls.Config, error) {
	cert, err := NewCertificate(key, commonName)
	if err != nil {
		return nil, err
	}
	return baseConfig(cert, protos), nil
}

var ErrNoPeerKey = errors.New("peer presented no Ed25519 certificate")

// PeerKey returns the Ed25519 key of the peer's leaf certificate.
func PeerKey(state tls.ConnectionState) (ed25519.PublicKey, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, ErrNoPeerKey
	}
	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, ErrNoPeerKey
	}
	return pub, nil
}
