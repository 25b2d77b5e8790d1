package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESGCM(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{name: "empty key", key: "", errorMsg: "encryption key is empty"},
		{name: "invalid base64", key: "not-valid-base64!@#$", errorMsg: "base64 decode failed"},
		{name: "key too short", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), errorMsg: "must be 32 bytes"},
		{name: "valid key", key: base64.StdEncoding.EncodeToString(make([]byte, 32))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewAESGCM(tt.key)
			if tt.errorMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("NewAESGCM() error = %v, want containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAESGCM() unexpected error = %v", err)
			}
			if len(s.KeyID()) != 8 {
				t.Errorf("KeyID() = %q, want 8 hex chars", s.KeyID())
			}
		})
	}
}

func TestSealOpenBindsContext(t *testing.T) {
	s, err := NewAESGCM(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	aad := []byte(TokenContext("kick", "access_token"))
	sealed, err := s.Seal([]byte("secret-token"), aad)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("secret-token")) {
		t.Error("sealed value contains plaintext")
	}
	got, err := s.Open(sealed, aad)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != "secret-token" {
		t.Errorf("Open = %q", got)
	}

	if _, err := s.Open(sealed, []byte(TokenContext("kick", "refresh_token"))); !errors.Is(err, ErrOpen) {
		t.Errorf("Open with other column err = %v, want ErrOpen", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := s.Open(sealed, aad); !errors.Is(err, ErrOpen) {
		t.Errorf("Open tampered err = %v, want ErrOpen", err)
	}
	if _, err := s.Open([]byte("short"), aad); err == nil {
		t.Error("Open short input succeeded")
	}
}

func TestSealNonceUnique(t *testing.T) {
	s, _ := NewAESGCM(testKey(t))
	a, _ := s.Seal([]byte("same"), nil)
	b, _ := s.Seal([]byte("same"), nil)
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext are identical")
	}
}

func TestSealStringRoundTrip(t *testing.T) {
	s, _ := NewAESGCM(testKey(t))
	ctx := TokenContext("kick", "refresh_token")

	enc, err := SealString(s, "refresh-abc", ctx)
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}
	dec, err := OpenString(s, enc, ctx)
	if err != nil || dec != "refresh-abc" {
		t.Fatalf("OpenString = %q, %v", dec, err)
	}

	if enc, _ := SealString(s, "", ctx); enc != "" {
		t.Errorf("empty plaintext sealed to %q", enc)
	}
	if dec, _ := OpenString(s, "", ctx); dec != "" {
		t.Errorf("empty ciphertext opened to %q", dec)
	}
	if _, err := OpenString(s, "%%%", ctx); err == nil {
		t.Error("invalid base64 accepted")
	}
}

func TestWrongKeyFails(t *testing.T) {
	a, _ := NewAESGCM(testKey(t))
	b, _ := NewAESGCM(testKey(t))
	if a.KeyID() == b.KeyID() {
		t.Skip("key fingerprint collision")
	}
	sealed, _ := SealString(a, "x", "ctx")
	if _, err := OpenString(b, sealed, "ctx"); !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
}
