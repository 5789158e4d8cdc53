package auth

import (
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/crypto/bcrypt"
)

// fingerprint renders a short SHA-256 digest of token, suitable for log
// correlation of repeated verification failures without ever writing
// the raw bearer token to a log line.
func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:16]
}

// SecretDigest bcrypt-hashes an adapter or client signing secret so an
// operator can confirm two deployments share the same secret (e.g.
// after a rotation) by comparing digests out of band, without ever
// transmitting the secret itself.
func SecretDigest(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// VerifySecretDigest reports whether secret matches a digest produced by
// SecretDigest.
func VerifySecretDigest(secret, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(secret)) == nil
}
