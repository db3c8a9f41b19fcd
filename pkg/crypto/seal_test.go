package crypto

import (
	"bytes"
	"errors"
	"testing"

	"onionrpc/pkg/proto"
)

func mustKeypair(t *testing.T) (proto.CryptoKey, proto.CryptoKey) {
	t.Helper()
	pub, priv, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return pub, priv
}

func TestSealOpenRoundTrip(t *testing.T) {
	pubA, privA := mustKeypair(t)
	_, privB := mustKeypair(t)
	key, err := SharedKey(privB, pubA)
	if err != nil {
		t.Fatalf("shared key: %v", err)
	}
	plaintext := []byte(`{"method":"getBalance","params":["addr"]}`)
	aad := []byte("route-header")

	enc, err := Seal(plaintext, key, aad)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := Open(enc, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
	_ = privA
}

func TestSealFreshNoncePerCall(t *testing.T) {
	_, priv := mustKeypair(t)
	pub, _ := mustKeypair(t)
	key, err := SharedKey(priv, pub)
	if err != nil {
		t.Fatalf("shared key: %v", err)
	}
	a, err := Seal([]byte("m"), key, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	b, err := Seal([]byte("m"), key, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(a.Nonce, b.Nonce) {
		t.Fatalf("nonce reused across seal calls")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Fatalf("identical ciphertext for identical plaintext; nonce not applied")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	pub, _ := mustKeypair(t)
	_, priv := mustKeypair(t)
	key, err := SharedKey(priv, pub)
	if err != nil {
		t.Fatalf("shared key: %v", err)
	}
	enc, err := Seal([]byte("payload"), key, []byte("aad"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(e *proto.EncryptedData)
	}{
		{"flip ciphertext bit", func(e *proto.EncryptedData) { e.Ciphertext[0] ^= 0x01 }},
		{"flip last ciphertext bit", func(e *proto.EncryptedData) { e.Ciphertext[len(e.Ciphertext)-1] ^= 0x80 }},
		{"flip nonce bit", func(e *proto.EncryptedData) { e.Nonce[3] ^= 0x10 }},
		{"truncate nonce", func(e *proto.EncryptedData) { e.Nonce = e.Nonce[:NonceSize-1] }},
		{"alter aad", func(e *proto.EncryptedData) { e.AAD = []byte("AAD") }},
		{"drop aad", func(e *proto.EncryptedData) { e.AAD = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mutated := enc
			mutated.Ciphertext = append([]byte{}, enc.Ciphertext...)
			mutated.Nonce = append([]byte{}, enc.Nonce...)
			mutated.AAD = append([]byte{}, enc.AAD...)
			tc.mutate(&mutated)
			if _, err := Open(mutated, key); !errors.Is(err, ErrIntegrity) {
				t.Fatalf("expected ErrIntegrity, got %v", err)
			}
		})
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	pub, _ := mustKeypair(t)
	_, privA := mustKeypair(t)
	_, privB := mustKeypair(t)
	keyA, err := SharedKey(privA, pub)
	if err != nil {
		t.Fatalf("shared key: %v", err)
	}
	keyB, err := SharedKey(privB, pub)
	if err != nil {
		t.Fatalf("shared key: %v", err)
	}
	enc, err := Seal([]byte("payload"), keyA, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(enc, keyB); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity with wrong key, got %v", err)
	}
}

func TestSharedKeyAgreesBothDirections(t *testing.T) {
	pubA, privA := mustKeypair(t)
	pubB, privB := mustKeypair(t)
	ab, err := SharedKey(privA, pubB)
	if err != nil {
		t.Fatalf("shared key a->b: %v", err)
	}
	ba, err := SharedKey(privB, pubA)
	if err != nil {
		t.Fatalf("shared key b->a: %v", err)
	}
	if !bytes.Equal(ab, ba) {
		t.Fatalf("shared keys disagree")
	}
	if len(ab) != KeySize {
		t.Fatalf("derived key length %d, want %d", len(ab), KeySize)
	}
}
