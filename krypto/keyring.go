// Package krypto provides the broker's at-rest encryption and random token
// generation. Every secret-valued column (access tokens, refresh tokens,
// provider client secrets, API-key secrets, webhook signing secrets) passes
// through a Keyring before it reaches the database.
package krypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required master key length in bytes (AES-256).
const KeySize = 32

// Encryptor seals small secret values for at-rest storage.
type Encryptor interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(encoded string) ([]byte, error)
	EncryptString(plaintext string) (string, error)
	DecryptString(encoded string) (string, error)
}

var (
	// ErrUnknownKeyVersion indicates a ciphertext sealed with a key the
	// keyring does not hold.
	ErrUnknownKeyVersion = errors.New("unknown key version")

	// ErrCiphertextTooShort indicates a stored value too small to contain
	// a version byte, nonce and tag.
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Keyring is an AES-256-GCM encryptor with versioned keys. Encrypt always
// seals with the current version; Decrypt selects the key by the one-byte
// version prefix, so readers tolerate old and new keys during a rotation.
//
// Stored format, base64 (std) encoded: version || nonce || ciphertext+tag.
type Keyring struct {
	current byte
	aeads   map[byte]cipher.AEAD
}

// NewKeyring builds a keyring from raw 32-byte keys indexed by version.
// current selects the version used for new encryptions.
func NewKeyring(current byte, keys map[byte][]byte) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one key required")
	}
	if _, ok := keys[current]; !ok {
		return nil, fmt.Errorf("current key version %d not present", current)
	}

	aeads := make(map[byte]cipher.AEAD, len(keys))
	for version, key := range keys {
		if len(key) != KeySize {
			return nil, fmt.Errorf("key version %d: invalid size %d, want %d", version, len(key), KeySize)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("key version %d: %w", version, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("key version %d: %w", version, err)
		}
		aeads[version] = gcm
	}

	return &Keyring{current: current, aeads: aeads}, nil
}

// NewKeyringFromHex builds a single-key keyring (version 1) from a hex-encoded
// 32-byte master key, the form the key takes in process configuration.
func NewKeyringFromHex(hexKey string) (*Keyring, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	return NewKeyring(1, map[byte][]byte{1: key})
}

// CurrentVersion returns the key version used for new encryptions.
func (k *Keyring) CurrentVersion() byte {
	return k.current
}

// Encrypt seals plaintext with the current key and returns the encoded value.
func (k *Keyring) Encrypt(plaintext []byte) (string, error) {
	gcm := k.aeads[k.current]

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, k.current)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens an encoded value sealed by any key version in the ring.
func (k *Keyring) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(raw) < 2 {
		return nil, ErrCiphertextTooShort
	}

	version := raw[0]
	gcm, ok := k.aeads[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < 1+nonceSize+gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := raw[1:1+nonceSize], raw[1+nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptString seals a string value.
func (k *Keyring) EncryptString(plaintext string) (string, error) {
	return k.Encrypt([]byte(plaintext))
}

// DecryptString opens a string value.
func (k *Keyring) DecryptString(encoded string) (string, error) {
	plaintext, err := k.Decrypt(encoded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// NeedsRotation reports whether an encoded value was sealed with a key other
// than the current one. Used by the batch re-encryption migration.
func (k *Keyring) NeedsRotation(encoded string) (bool, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false, fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(raw) < 1 {
		return false, ErrCiphertextTooShort
	}
	return raw[0] != k.current, nil
}

// Rotate re-encrypts an encoded value under the current key. Values already
// on the current version are returned unchanged.
func (k *Keyring) Rotate(encoded string) (string, error) {
	needs, err := k.NeedsRotation(encoded)
	if err != nil {
		return "", err
	}
	if !needs {
		return encoded, nil
	}
	plaintext, err := k.Decrypt(encoded)
	if err != nil {
		return "", err
	}
	return k.Encrypt(plaintext)
}

// GenerateKey returns a fresh random master key, hex encoded for storage in
// process configuration.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
