package krypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
)

// GenerateSecureToken generates a secure token of length random bytes,
// hex encoded. It utilizes the cryptographic randomness provided by the
// rand package to ensure the unpredictability of the generated token.
func GenerateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateURLToken generates a secure token of length random bytes, encoded
// as unpadded base64url. Used for OAuth state tokens and PKCE verifiers,
// which travel in query strings.
func GenerateURLToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
