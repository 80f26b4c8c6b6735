package infra

import (
	"crypto/ed25519"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// writeTestKey generates an ed25519 private key file and returns its path
func writeTestKey(t *testing.T) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func TestLoadKey(t *testing.T) {
	path := writeTestKey(t)

	key, err := LoadKey(path)
	require.NoError(t, err)
	assert.Equal(t, path, key.Path)
}

func TestLoadKeyMissing(t *testing.T) {
	_, err := LoadKey(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestLoadKeyGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, err := LoadKey(path)
	assert.Error(t, err)
}

func TestPublicKeyBody(t *testing.T) {
	key, err := LoadKey(writeTestKey(t))
	require.NoError(t, err)

	body := key.PublicKeyBody()
	assert.True(t, strings.HasPrefix(body, "ssh-ed25519 "), "got %q", body)
	assert.False(t, strings.HasSuffix(body, "\n"))

	// The body must round-trip through the authorized_keys parser
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, key.Signer().PublicKey().Marshal(), pub.Marshal())
}

// TestFingerprint verifies the digest is MD5 over the wire-format public
// key, the bytes providers report for imported key pairs
func TestFingerprint(t *testing.T) {
	key, err := LoadKey(writeTestKey(t))
	require.NoError(t, err)

	sum := md5.Sum(key.Signer().PublicKey().Marshal())
	assert.Equal(t, hex.EncodeToString(sum[:]), key.Fingerprint())
}

func TestFingerprintDiffersAcrossKeys(t *testing.T) {
	a, err := LoadKey(writeTestKey(t))
	require.NoError(t, err)
	b, err := LoadKey(writeTestKey(t))
	require.NoError(t, err)

	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}
