package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// PKCE carries the verifier/challenge pair for one authorization attempt.
// Only the S256 method is supported; the plain method leaks the verifier.
type PKCE struct {
	Verifier  string
	Challenge string
}

// NewPKCE generates a fresh verifier and its S256 challenge. The verifier is
// 43 base64url characters, inside the 43-128 range RFC 7636 requires.
func NewPKCE() (*PKCE, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	return &PKCE{
		Verifier:  verifier,
		Challenge: ChallengeS256(verifier),
	}, nil
}

// ChallengeS256 derives the S256 challenge for a verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyS256 reports whether a verifier matches a challenge.
func VerifyS256(verifier, challenge string) bool {
	return ChallengeS256(verifier) == challenge
}
