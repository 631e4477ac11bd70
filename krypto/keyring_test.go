package krypto

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

func TestNewKeyring(t *testing.T) {
	tests := []struct {
		name    string
		current byte
		keys    map[byte][]byte
		wantErr bool
	}{
		{
			name:    "single valid key",
			current: 1,
			keys:    map[byte][]byte{1: testKey('a')},
			wantErr: false,
		},
		{
			name:    "two versions",
			current: 2,
			keys:    map[byte][]byte{1: testKey('a'), 2: testKey('b')},
			wantErr: false,
		},
		{
			name:    "no keys",
			current: 1,
			keys:    map[byte][]byte{},
			wantErr: true,
		},
		{
			name:    "current version missing",
			current: 3,
			keys:    map[byte][]byte{1: testKey('a')},
			wantErr: true,
		},
		{
			name:    "wrong key size",
			current: 1,
			keys:    map[byte][]byte{1: []byte("too-short")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKeyring(tt.current, tt.keys)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewKeyring() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestKeyringRoundTrip(t *testing.T) {
	k, err := NewKeyring(1, map[byte][]byte{1: testKey('a')})
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "normal text", data: []byte("hello world")},
		{name: "empty data", data: []byte{}},
		{name: "binary data", data: []byte{0xFF, 0x00, 0xFE, 0x01}},
		{name: "8 KiB", data: bytes.Repeat([]byte{0x42}, 8<<10)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := k.Encrypt(tt.data)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			got, err := k.Decrypt(encoded)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Errorf("Decrypt() got = %v, want %v", got, tt.data)
			}
		})
	}
}

func TestKeyringRandomRoundTrip(t *testing.T) {
	k, err := NewKeyring(1, map[byte][]byte{1: testKey('a')})
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}

	for i := 0; i < 50; i++ {
		data := make([]byte, 1+i*97)
		if _, err := rand.Read(data); err != nil {
			t.Fatalf("rand.Read: %v", err)
		}
		encoded, err := k.Encrypt(data)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		got, err := k.Decrypt(encoded)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("round trip mismatch at length %d", len(data))
		}
	}
}

func TestKeyringDistinctCiphertexts(t *testing.T) {
	k, err := NewKeyring(1, map[byte][]byte{1: testKey('a')})
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}

	a, err := k.EncryptString("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	b, err := k.EncryptString("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical ciphertexts")
	}
}

func TestKeyringVersionSelection(t *testing.T) {
	old, err := NewKeyring(1, map[byte][]byte{1: testKey('a')})
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}
	sealed, err := old.EncryptString("secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	// A keyring rotated to version 2 still decrypts version-1 values.
	rotated, err := NewKeyring(2, map[byte][]byte{1: testKey('a'), 2: testKey('b')})
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}
	got, err := rotated.DecryptString(sealed)
	if err != nil {
		t.Fatalf("DecryptString() error = %v", err)
	}
	if got != "secret" {
		t.Errorf("DecryptString() = %q, want %q", got, "secret")
	}

	// A keyring holding only version 2 must reject it.
	onlyNew, err := NewKeyring(2, map[byte][]byte{2: testKey('b')})
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}
	if _, err := onlyNew.DecryptString(sealed); err == nil {
		t.Error("DecryptString() expected unknown key version error")
	}
}

func TestKeyringRotate(t *testing.T) {
	old, err := NewKeyring(1, map[byte][]byte{1: testKey('a')})
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}
	sealed, err := old.EncryptString("rotate me")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	rotated, err := NewKeyring(2, map[byte][]byte{1: testKey('a'), 2: testKey('b')})
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}

	needs, err := rotated.NeedsRotation(sealed)
	if err != nil {
		t.Fatalf("NeedsRotation() error = %v", err)
	}
	if !needs {
		t.Fatal("NeedsRotation() = false, want true")
	}

	resealed, err := rotated.Rotate(sealed)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	needs, err = rotated.NeedsRotation(resealed)
	if err != nil {
		t.Fatalf("NeedsRotation() error = %v", err)
	}
	if needs {
		t.Error("NeedsRotation() after Rotate() = true, want false")
	}
	got, err := rotated.DecryptString(resealed)
	if err != nil {
		t.Fatalf("DecryptString() error = %v", err)
	}
	if got != "rotate me" {
		t.Errorf("DecryptString() = %q, want %q", got, "rotate me")
	}

	// Rotating a current-version value is a no-op.
	same, err := rotated.Rotate(resealed)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if same != resealed {
		t.Error("Rotate() changed a value already on the current version")
	}
}

func TestKeyringDecryptInvalid(t *testing.T) {
	k, err := NewKeyring(1, map[byte][]byte{1: testKey('a')})
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}

	tests := []struct {
		name    string
		encoded string
	}{
		{name: "empty", encoded: ""},
		{name: "not base64", encoded: "%%%not-base64%%%"},
		{name: "too short", encoded: "AQ=="},
		{name: "tampered", encoded: func() string {
			s, _ := k.EncryptString("x")
			b := []byte(s)
			b[len(b)-5] ^= 'x'
			return string(b)
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := k.Decrypt(tt.encoded); err == nil {
				t.Error("Decrypt() expected error for invalid input")
			}
		})
	}
}

func TestNewKeyringFromHex(t *testing.T) {
	hexKey, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	k, err := NewKeyringFromHex(hexKey)
	if err != nil {
		t.Fatalf("NewKeyringFromHex() error = %v", err)
	}
	if k.CurrentVersion() != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", k.CurrentVersion())
	}

	if _, err := NewKeyringFromHex("zz"); err == nil {
		t.Error("NewKeyringFromHex() expected error for invalid hex")
	}
	if _, err := NewKeyringFromHex(strings.Repeat("ab", 16)); err == nil {
		t.Error("NewKeyringFromHex() expected error for 16-byte key")
	}
}

func TestGenerateSecureToken(t *testing.T) {
	tok, err := GenerateSecureToken(32)
	if err != nil {
		t.Fatalf("GenerateSecureToken() error = %v", err)
	}
	if len(tok) != 64 {
		t.Errorf("GenerateSecureToken(32) length = %d, want 64 hex chars", len(tok))
	}

	other, err := GenerateSecureToken(32)
	if err != nil {
		t.Fatalf("GenerateSecureToken() error = %v", err)
	}
	if tok == other {
		t.Error("two generated tokens are identical")
	}
}

func TestGenerateURLToken(t *testing.T) {
	tok, err := GenerateURLToken(32)
	if err != nil {
		t.Fatalf("GenerateURLToken() error = %v", err)
	}
	// 32 bytes base64url without padding is 43 characters.
	if len(tok) != 43 {
		t.Errorf("GenerateURLToken(32) length = %d, want 43", len(tok))
	}
	if strings.ContainsAny(tok, "+/=") {
		t.Errorf("GenerateURLToken() contains non-url-safe characters: %q", tok)
	}
}
