package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"onionrpc/pkg/proto"
)

func GenerateSigningKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("generate signing keypair: %w", err)
	}
	return pub, priv, nil
}

// Sign produces a detached ed25519 signature. The signing key is checked
// for shape first so malformed key material fails loudly instead of
// panicking inside the ed25519 package.
func Sign(data []byte, priv proto.CryptoKey) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sign: want %d-byte private key, got %d", ed25519.PrivateKeySize, len(priv))
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), data), nil
}

// Verify rejects malformed keys and signatures with ErrInvalidSignature
// rather than letting them panic or silently pass.
func Verify(data, sig []byte, pub proto.CryptoKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key length %d", proto.ErrInvalidSignature, len(pub))
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: bad signature length %d", proto.ErrInvalidSignature, len(sig))
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		return proto.ErrInvalidSignature
	}
	return nil
}

// SignJSON signs the canonical JSON encoding of v with the Signature-style
// base64 the node feeds carry on the wire.
func SignJSON(v any, priv ed25519.PrivateKey) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal signed payload: %w", err)
	}
	sig, err := Sign(payload, proto.CryptoKey(priv))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

func VerifyJSON(v any, sigB64 string, pub ed25519.PublicKey) error {
	sigRaw, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: undecodable signature", proto.ErrInvalidSignature)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal signed payload: %w", err)
	}
	return Verify(payload, sigRaw, proto.CryptoKey(pub))
}
