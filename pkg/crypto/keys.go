package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"onionrpc/pkg/proto"
)

const KeySize = 32

var hkdfInfo = []byte("onionrpc hop layer key v1")

// GenerateKeypair returns a fresh X25519 keypair. Node identity keys and
// per-hop ephemeral keys both come from here.
func GenerateKeypair() (pub proto.CryptoKey, priv proto.CryptoKey, err error) {
	secret := make([]byte, KeySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}
	public, err := curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive public key: %w", err)
	}
	return public, secret, nil
}

// PublicFor recovers the public half of an X25519 private key.
func PublicFor(priv proto.CryptoKey) (proto.CryptoKey, error) {
	if len(priv) != KeySize {
		return nil, fmt.Errorf("public from private: want %d-byte key, got %d", KeySize, len(priv))
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return pub, nil
}

// SharedKey derives the symmetric layer key both ends of a hop agree on:
// the circuit manager calls it with (ephemeral private, node public), the
// hop with (node private, ephemeral public).
func SharedKey(priv, peerPub proto.CryptoKey) (proto.CryptoKey, error) {
	if len(priv) != KeySize || len(peerPub) != KeySize {
		return nil, fmt.Errorf("shared key: want %d-byte keys, got %d and %d", KeySize, len(priv), len(peerPub))
	}
	secret, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfo), out); err != nil {
		return nil, fmt.Errorf("derive layer key: %w", err)
	}
	return out, nil
}

func EncodeKey(k proto.CryptoKey) string {
	return base64.RawURLEncoding.EncodeToString(k)
}

func DecodeKey(s string) (proto.CryptoKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return raw, nil
}
