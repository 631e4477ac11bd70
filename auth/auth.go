// Package auth implements signed-request verification for project API calls.
// Clients sign the canonical payload "<timestamp>.<raw body>" with their
// secret key using HMAC-SHA-256; the verifier recomputes the digest from the
// exact bytes received, so no re-serialization can desynchronize the two
// sides.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/linklabs/linkbroker/krypto"
)

// Header names carried on every authenticated request.
const (
	HeaderPublicKey = "X-Link-Public-Key"
	HeaderTimestamp = "X-Link-Timestamp"
	HeaderSignature = "X-Link-Signature"
)

// Sign computes the request signature for a secret, Unix-seconds timestamp
// and raw body, encoded as lowercase hex.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonicalPayload(strconv.FormatInt(timestamp, 10), body))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalPayload is "<timestamp>.<body>"; the body portion is the empty
// string for bodyless requests.
func canonicalPayload(timestamp string, body []byte) []byte {
	payload := make([]byte, 0, len(timestamp)+1+len(body))
	payload = append(payload, timestamp...)
	payload = append(payload, '.')
	payload = append(payload, body...)
	return payload
}

// verifySignature recomputes the expected digest and compares in constant
// time against the hex signature submitted by the client.
func verifySignature(secret, timestamp, signature string, body []byte) bool {
	submitted, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonicalPayload(timestamp, body))
	return hmac.Equal(mac.Sum(nil), submitted)
}

// GenerateKeyPair mints a public/secret key pair for an environment. The
// public key is pk_{env}_<24 base64url chars>; the secret is sk_{env}_ with
// 32 base64url chars of entropy.
func GenerateKeyPair(environment string) (publicKey, secretKey string, err error) {
	pub, err := krypto.GenerateURLToken(18) // 24 chars
	if err != nil {
		return "", "", err
	}
	sec, err := krypto.GenerateURLToken(24) // 32 chars
	if err != nil {
		return "", "", err
	}
	return "pk_" + environment + "_" + pub, "sk_" + environment + "_" + sec, nil
}
