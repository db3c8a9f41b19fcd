package crypto

import (
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"onionrpc/pkg/proto"
)

// Encrypt seals plaintext to a recipient's X25519 public key. A one-shot
// ephemeral keypair is generated per call; the ephemeral public key is
// prepended to the ciphertext so only the EncryptedData needs to travel.
func Encrypt(plaintext []byte, recipientPub proto.CryptoKey) (proto.EncryptedData, error) {
	ephPub, ephPriv, err := GenerateKeypair()
	if err != nil {
		return proto.EncryptedData{}, err
	}
	key, err := SharedKey(ephPriv, recipientPub)
	if err != nil {
		return proto.EncryptedData{}, err
	}
	enc, err := Seal(plaintext, key, nil)
	if err != nil {
		return proto.EncryptedData{}, err
	}
	enc.Ciphertext = append(append([]byte{}, ephPub...), enc.Ciphertext...)
	return enc, nil
}

// Decrypt opens data produced by Encrypt using the recipient's private key.
func Decrypt(enc proto.EncryptedData, recipientPriv proto.CryptoKey) ([]byte, error) {
	if len(enc.Ciphertext) < KeySize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrIntegrity)
	}
	ephPub := proto.CryptoKey(enc.Ciphertext[:KeySize])
	key, err := SharedKey(recipientPriv, ephPub)
	if err != nil {
		return nil, err
	}
	inner := enc
	inner.Ciphertext = enc.Ciphertext[KeySize:]
	return Open(inner, key)
}
