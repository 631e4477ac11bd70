package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/linklabs/linkbroker/krypto"
)

// Delivery headers. The signature covers the raw request body only, so a
// receiver can verify with nothing but the body bytes and its secret.
const (
	HeaderEvent     = "X-Link-Event"
	HeaderTimestamp = "X-Link-Timestamp"
	HeaderSignature = "X-Link-Signature"
)

const signaturePrefix = "sha256="

// Sign computes the lowercase-hex HMAC-SHA-256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader formats the signature the way it travels in
// X-Link-Signature.
func SignatureHeader(secret string, body []byte) string {
	return signaturePrefix + Sign(secret, body)
}

// VerifySignature checks a received X-Link-Signature header against the raw
// body. Comparison is constant-time.
func VerifySignature(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// NewSecret mints a subscription signing secret. Returned plaintext exactly
// once, at subscription creation; only the encrypted form is stored.
func NewSecret() (string, error) {
	s, err := krypto.GenerateURLToken(24)
	if err != nil {
		return "", err
	}
	return "whsec_" + s, nil
}
