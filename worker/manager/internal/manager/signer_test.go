package manager

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeKeyPEM(t *testing.T, blockType string, der []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "id_rsa")
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestSigner_LoadsPKCS1AndPKCS8(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pkcs1Path := writeKeyPEM(t, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))
	pkcs8DER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pkcs8Path := writeKeyPEM(t, "PRIVATE KEY", pkcs8DER)

	fromPKCS1, err := LoadSigner(pkcs1Path)
	require.NoError(t, err)
	fromPKCS8, err := LoadSigner(pkcs8Path)
	require.NoError(t, err)

	// The fingerprint identifies the key, not its encoding.
	require.True(t, strings.HasPrefix(fromPKCS1.Fingerprint(), "SHA256:"))
	require.Equal(t, fromPKCS1.Fingerprint(), fromPKCS8.Fingerprint())
}

func TestSigner_RejectsNonRSAKeys(t *testing.T) {
	t.Parallel()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	_, err = LoadSigner(writeKeyPEM(t, "PRIVATE KEY", der))
	require.ErrorContains(t, err, "unsupported private key type")

	_, err = LoadSigner(filepath.Join(t.TempDir(), "missing"))
	require.ErrorContains(t, err, "failed to read private key")

	notPEM := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(notPEM, []byte("not a key"), 0o600))
	_, err = LoadSigner(notPEM)
	require.ErrorContains(t, err, "no PEM block")
}
