package security

import (
	"crypto/x509"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeypairRoundTrip(t *testing.T) {
	ca := NewCertAuthority(t.TempDir())
	require.NoError(t, ca.Initialize())

	cert, err := ca.IssueNodeCertificate("txman-1", "txman", nil, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, WriteKeypair(dir, cert))

	loaded, err := ReadKeypair(dir)
	require.NoError(t, err)
	require.NotNil(t, loaded.Leaf)
	require.Equal(t, cert.Leaf.Subject.CommonName, loaded.Leaf.Subject.CommonName)
}

func TestCACertRoundTrip(t *testing.T) {
	ca := NewCertAuthority(t.TempDir())
	require.NoError(t, ca.Initialize())

	dir := t.TempDir()
	require.NoError(t, WriteCACert(dir, ca.GetRootCACert()))

	loaded, err := ReadCACert(dir)
	require.NoError(t, err)
	require.True(t, loaded.Equal(ca.rootCert))
}

func TestReadKeypairMissing(t *testing.T) {
	_, err := ReadKeypair(t.TempDir())
	require.Error(t, err)
}

func TestKeypairExists(t *testing.T) {
	ca := NewCertAuthority(t.TempDir())
	require.NoError(t, ca.Initialize())
	cert, err := ca.IssueNodeCertificate("kvs-1", "kvs", nil, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	require.False(t, KeypairExists(dir))

	require.NoError(t, WriteKeypair(dir, cert))
	require.False(t, KeypairExists(dir), "keypair alone is incomplete without the CA cert")

	require.NoError(t, WriteCACert(dir, ca.GetRootCACert()))
	require.True(t, KeypairExists(dir))
}

func TestNeedsRotation(t *testing.T) {
	require.True(t, NeedsRotation(nil))
	require.True(t, NeedsRotation(&x509.Certificate{NotAfter: time.Now().Add(24 * time.Hour)}))
	require.True(t, NeedsRotation(&x509.Certificate{NotAfter: time.Now().Add(29 * 24 * time.Hour)}))
	require.False(t, NeedsRotation(&x509.Certificate{NotAfter: time.Now().Add(60 * 24 * time.Hour)}))
}

func TestVerifyChain(t *testing.T) {
	ca := NewCertAuthority(t.TempDir())
	require.NoError(t, ca.Initialize())
	cert, err := ca.IssueNodeCertificate("kvs-2", "kvs", nil, nil)
	require.NoError(t, err)

	require.NoError(t, VerifyChain(cert.Leaf, ca.rootCert))
	require.Error(t, VerifyChain(nil, ca.rootCert))
	require.Error(t, VerifyChain(cert.Leaf, nil))

	other := NewCertAuthority(t.TempDir())
	require.NoError(t, other.Initialize())
	require.Error(t, VerifyChain(cert.Leaf, other.rootCert), "certificate from a different CA must not verify")
}

func TestCertDirNaming(t *testing.T) {
	dir, err := CertDir("txman", "3")
	require.NoError(t, err)
	require.Equal(t, "txman-3", filepath.Base(dir))

	cli, err := CLICertDir()
	require.NoError(t, err)
	require.Equal(t, "cli", filepath.Base(cli))
}
