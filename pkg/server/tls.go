package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const certValidity = 365 * 24 * time.Hour

// CertPaths returns the certificate and key paths in use: the configured
// files, or server.crt and server.key inside DataDir.
func (c Config) CertPaths() (certPath, keyPath string) {
	certPath, keyPath = c.CertFile, c.KeyFile
	if certPath == "" {
		certPath = filepath.Join(c.DataDir, "server.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(c.DataDir, "server.key")
	}
	return certPath, keyPath
}

// GenerateCertificate writes a fresh self-signed P-256 certificate for
// "rhizome" and "localhost" to certPath and keyPath, replacing existing files.
func GenerateCertificate(certPath, keyPath string) error {
	certPEM, keyPEM, err := selfSigned(time.Now())
	if err != nil {
		return err
	}
	for _, f := range []struct {
		path string
		data []byte
		mode os.FileMode
	}{
		{certPath, certPEM, 0o644},
		{keyPath, keyPEM, 0o600},
	} {
		if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
			return fmt.Errorf("cert dir: %w", err)
		}
		if err := os.WriteFile(f.path, f.data, f.mode); err != nil { //nolint:gosec // path from server config
			return fmt.Errorf("write %s: %w", f.path, err)
		}
	}
	slog.Info("TLS certificate generated", "cert", certPath, "key", keyPath)
	return nil
}

func selfSigned(now time.Time) (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "rhizome", Organization: []string{"Rhizome Rendezvous"}},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"rhizome", "localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create cert: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), nil
}

// loadCertificate loads the configured pair. Only when neither file was
// configured is a missing pair generated in DataDir.
func loadCertificate(cfg Config) (tls.Certificate, error) {
	certPath, keyPath := cfg.CertPaths()
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		slog.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		return tls.Certificate{}, fmt.Errorf("load key pair: %w", err)
	}

	slog.Info("no TLS certificate found, generating one", "dir", cfg.DataDir)
	if err := GenerateCertificate(certPath, keyPath); err != nil {
		return tls.Certificate{}, err
	}
	return tls.LoadX509KeyPair(certPath, keyPath)
}
