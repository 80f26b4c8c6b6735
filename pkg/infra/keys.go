package infra

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// LocalKey is a private key on disk together with the derived public half
// used to import and verify the remote key pair.
type LocalKey struct {
	Path   string
	signer ssh.Signer
}

// LoadKey reads and parses a PEM or OpenSSH private key file
func LoadKey(path string) (*LocalKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}

	return &LocalKey{Path: path, signer: signer}, nil
}

// Fingerprint returns the hex MD5 digest over the wire-format public key,
// the same bytes OpenSSH base64-encodes in an authorized_keys line. This is
// what providers report for imported key pairs.
func (k *LocalKey) Fingerprint() string {
	sum := md5.Sum(k.signer.PublicKey().Marshal())
	return hex.EncodeToString(sum[:])
}

// PublicKeyBody returns the OpenSSH-serialized public key suitable for the
// import-key-pair call.
func (k *LocalKey) PublicKeyBody() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(k.signer.PublicKey())))
}

// Signer exposes the parsed key for SSH sessions (image builds)
func (k *LocalKey) Signer() ssh.Signer {
	return k.signer
}
