package manager

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

var signOpts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// Signer produces the signed handshake messages the backend authenticates
// workers with.
type Signer struct {
	key         *rsa.PrivateKey
	fingerprint string
}

// LoadSigner reads an RSA private key in PKCS#1 or PKCS#8 PEM form.
func LoadSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	key, err := parsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}

	sshPub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint private key: %w", err)
	}

	return &Signer{key: key, fingerprint: ssh.FingerprintSHA256(sshPub)}, nil
}

// Fingerprint returns the OpenSSH-style SHA256 fingerprint of the key's
// public half, for correlation with the backend's worker registry.
func (s *Signer) Fingerprint() string {
	return s.fingerprint
}

// SignedMessage builds the "<worker>:<RFC3339 timestamp>" handshake message
// and its base64-encoded RSA-PSS signature.
func (s *Signer) SignedMessage(workerID string, now time.Time) (message, signature string, err error) {
	message = workerID + ":" + now.UTC().Format(time.RFC3339)
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], signOpts)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign message: %w", err)
	}
	return message, base64.StdEncoding.EncodeToString(sig), nil
}

func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T, want RSA", parsed)
	}
	return key, nil
}
