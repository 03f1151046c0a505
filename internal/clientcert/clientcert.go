// Package clientcert supplies the TLS client certificate the bot
// authenticates to a Mumble server with. Mumble servers accept any
// self-signed certificate as a stable client identity (the fingerprint, not
// a CA chain, is what a server's "register" feature keys off of), so a bot
// with no operator-supplied cert still needs one minted and then reused
// across reconnects rather than regenerated every run.
package clientcert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// validity is long enough that an unattended bot never needs to handle
// expiry-triggered reconnect failures in practice.
const validity = 10 * 365 * 24 * time.Hour

// LoadOrGenerate returns the bot's client certificate. If certPath/keyPath
// are both non-empty, it loads the certificate there unconditionally (an
// operator-supplied identity). Otherwise it loads a previously generated
// certificate from persistPath, or mints and saves a new self-signed one if
// none exists yet, so the bot's identity survives restarts.
func LoadOrGenerate(certPath, keyPath, persistPath, username string) (*tls.Certificate, error) {
	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("clientcert: load %s/%s: %w", certPath, keyPath, err)
		}
		return &cert, nil
	}

	certFile := filepath.Join(persistPath, "client.crt")
	keyFile := filepath.Join(persistPath, "client.key")

	if cert, err := tls.LoadX509KeyPair(certFile, keyFile); err == nil {
		return &cert, nil
	}

	cert, certDER, keyDER, err := generate(username)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(persistPath, 0o750); err != nil {
		return nil, fmt.Errorf("clientcert: create %s: %w", persistPath, err)
	}
	if err := writePEM(certFile, "CERTIFICATE", certDER, 0o644); err != nil {
		return nil, err
	}
	if err := writePEM(keyFile, "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return nil, err
	}

	return cert, nil
}

// Fingerprint returns the SHA-256 fingerprint of cert's leaf, in lowercase
// hex, matching what a Mumble server's admin panel shows when registering a
// new client certificate.
func Fingerprint(cert *tls.Certificate) string {
	sum := sha256.Sum256(cert.Certificate[0])
	return hex.EncodeToString(sum[:])
}

func generate(username string) (cert *tls.Certificate, certDER, keyDER []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("clientcert: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("clientcert: generate serial: %w", err)
	}

	cn := username
	if cn == "" {
		cn = "mumblebot"
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err = x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("clientcert: create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("clientcert: parse certificate: %w", err)
	}

	keyDER, err = x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("clientcert: marshal key: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}, certDER, keyDER, nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("clientcert: write %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return fmt.Errorf("clientcert: encode %s: %w", path, err)
	}
	return nil
}
