package tokencrypt

import (
	"encoding/base64"
	"strings"
	"testing"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestNew_KeyValidation(t *testing.T) {
	if _, err := New("not-base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	if _, err := New(short); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := New(testKey()); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	c, err := New(testKey())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for _, plaintext := range []string{
		"",
		"a",
		"740f4707bebcf74f9b7c25d48e3358945f6aa01da5ddb387462c7eaf61bb78ad",
		"päärynä 🍐",
		strings.Repeat("x", 4096),
	} {
		blob, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plaintext, err)
		}
		got, ok := c.Decrypt(blob)
		if !ok {
			t.Fatalf("decrypt %q: not ok", plaintext)
		}
		if got != plaintext {
			t.Errorf("round trip: got %q, want %q", got, plaintext)
		}
	}
}

func TestEncrypt_FreshNoncePerCall(t *testing.T) {
	c, _ := New(testKey())
	a, _ := c.Encrypt("same token")
	b, _ := c.Encrypt("same token")
	if a == b {
		t.Error("two encryptions produced identical ciphertext")
	}
}

func TestDecrypt_GarbageIsNotFound(t *testing.T) {
	c, _ := New(testKey())

	// 27 arbitrary bytes: valid base64, too short for nonce+tag.
	blob := base64.StdEncoding.EncodeToString([]byte("abcdefghijklmnopqrstuvwxyz!"))
	if _, ok := c.Decrypt(blob); ok {
		t.Error("short blob decrypted")
	}

	if _, ok := c.Decrypt("%%% not base64 %%%"); ok {
		t.Error("non-base64 blob decrypted")
	}

	// Tampered ciphertext must fail authentication.
	good, _ := c.Encrypt("token")
	raw, _ := base64.StdEncoding.DecodeString(good)
	raw[len(raw)-1] ^= 0xff
	if _, ok := c.Decrypt(base64.StdEncoding.EncodeToString(raw)); ok {
		t.Error("tampered blob decrypted")
	}
}

func TestHashToken(t *testing.T) {
	h := HashToken("hello")
	if len(h) != 64 {
		t.Fatalf("hash length: got %d, want 64", len(h))
	}
	if h != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("sha256(hello) mismatch: %s", h)
	}
	if HashToken("hello") != h {
		t.Error("hash not deterministic")
	}
}
