package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"onionrpc/pkg/proto"
)

// ErrIntegrity covers every failed open: tampered ciphertext, wrong key,
// truncated or malformed nonce. Callers must treat it as hostile input and
// never fall back to partial plaintext.
var ErrIntegrity = errors.New("ciphertext failed integrity check")

const NonceSize = chacha20poly1305.NonceSize

// Seal encrypts plaintext under a symmetric layer key with a fresh random
// nonce. Nonce reuse is structurally impossible: the nonce is drawn here
// and nowhere else.
func Seal(plaintext []byte, key proto.CryptoKey, aad []byte) (proto.EncryptedData, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return proto.EncryptedData{}, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return proto.EncryptedData{}, fmt.Errorf("generate nonce: %w", err)
	}
	return proto.EncryptedData{
		Ciphertext: aead.Seal(nil, nonce, plaintext, aad),
		Nonce:      nonce,
		AAD:        aad,
	}, nil
}

// Open reverses Seal. Any mismatch yields ErrIntegrity, never garbage.
func Open(enc proto.EncryptedData, key proto.CryptoKey) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(enc.Nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrIntegrity, len(enc.Nonce))
	}
	plaintext, err := aead.Open(nil, enc.Nonce, enc.Ciphertext, enc.AAD)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}
