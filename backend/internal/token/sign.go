package token

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
)

var (
	signOpts   = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
	verifyOpts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
)

// Sign produces an RSA-PSS signature over message using SHA-256 with a salt
// as long as the digest.
func Sign(priv *rsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], signOpts)
}

// Verify checks an RSA-PSS signature over message. The salt length is read
// from the signature, so digest-length and maximum-length salts both verify.
func Verify(pub *rsa.PublicKey, message, sig []byte) error {
	digest := sha256.Sum256(message)
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, verifyOpts)
}
