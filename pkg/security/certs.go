package security

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// On-disk credential layout: a credential directory holds the daemon's
// (or client's) own keypair plus the cluster CA certificate it
// verifies peers against.
const (
	keypairCertFile = "daemon.crt"
	keypairKeyFile  = "daemon.key"
	caCertFile      = "ca.crt"

	credentialRoot = ".consus/certs"

	// rotateBefore is how close to expiry a certificate may get before
	// NeedsRotation asks for a reissue.
	rotateBefore = 30 * 24 * time.Hour
)

// CertDir returns the credential directory for one daemon, keyed by
// role ("txman", "kvs") and instance id.
func CertDir(role, id string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("security: resolve home directory: %w", err)
	}
	return filepath.Join(home, credentialRoot, role+"-"+id), nil
}

// CLICertDir returns the credential directory consus-cli enrolls into.
func CLICertDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("security: resolve home directory: %w", err)
	}
	return filepath.Join(home, credentialRoot, "cli"), nil
}

// WriteKeypair stores cert's leaf certificate and RSA private key
// under dir, creating it if needed. The key file is written 0600; a
// leaked key lets anyone impersonate the daemon to the whole cluster.
func WriteKeypair(dir string, cert *tls.Certificate) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("security: create credential dir: %w", err)
	}

	key, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("security: keypair has a non-RSA private key")
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	if err := os.WriteFile(filepath.Join(dir, keypairCertFile), certPEM, 0600); err != nil {
		return fmt.Errorf("security: write certificate: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(filepath.Join(dir, keypairKeyFile), keyPEM, 0600); err != nil {
		return fmt.Errorf("security: write private key: %w", err)
	}
	return nil
}

// ReadKeypair loads the keypair WriteKeypair stored under dir, with
// the Leaf parsed so callers can inspect expiry without re-decoding.
func ReadKeypair(dir string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(dir, keypairCertFile),
		filepath.Join(dir, keypairKeyFile),
	)
	if err != nil {
		return nil, fmt.Errorf("security: load keypair from %s: %w", dir, err)
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("security: parse stored certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

// WriteCACert stores the cluster CA certificate (DER) under dir. The
// CA certificate is public; it is written world-readable so sidecar
// tooling can verify against it.
func WriteCACert(dir string, der []byte) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("security: create credential dir: %w", err)
	}
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(filepath.Join(dir, caCertFile), caPEM, 0644); err != nil {
		return fmt.Errorf("security: write CA certificate: %w", err)
	}
	return nil
}

// ReadCACert loads the cluster CA certificate stored under dir.
func ReadCACert(dir string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(filepath.Join(dir, caCertFile))
	if err != nil {
		return nil, fmt.Errorf("security: read CA certificate: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("security: %s does not contain a PEM certificate", filepath.Join(dir, caCertFile))
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("security: parse CA certificate: %w", err)
	}
	return cert, nil
}

// KeypairExists reports whether dir holds a complete credential set:
// keypair plus CA certificate.
func KeypairExists(dir string) bool {
	for _, name := range []string{keypairCertFile, keypairKeyFile, caCertFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// NeedsRotation reports whether cert is close enough to expiry that it
// should be reissued. A nil certificate always needs rotation.
func NeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < rotateBefore
}

// VerifyChain checks that cert was signed by ca and is valid for both
// client and server authentication, the dual role every consus daemon
// plays (server to clients and peers, client to other daemons).
func VerifyChain(cert, ca *x509.Certificate) error {
	if cert == nil || ca == nil {
		return fmt.Errorf("security: verify requires both a certificate and a CA")
	}
	roots := x509.NewCertPool()
	roots.AddCert(ca)
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		return fmt.Errorf("security: certificate not signed by cluster CA: %w", err)
	}
	return nil
}
