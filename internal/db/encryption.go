package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const encryptionKeyLength int = 32

// GCMEncryptor seals token values with AES-256-GCM. An encrypted value is the base64
// encoding of nonce, ciphertext and tag, so it fits in a redis hash, a YAML file or a Secret.
type GCMEncryptor struct {
	aead cipher.AEAD
}

func NewGCMEncryptor(secretKey string) (GCMEncryptor, error) {
	if len(secretKey) != encryptionKeyLength {
		return GCMEncryptor{}, fmt.Errorf("the encryption key has to be %d bytes long, got %d", encryptionKeyLength, len(secretKey))
	}
	block, err := aes.NewCipher([]byte(secretKey))
	if err != nil {
		return GCMEncryptor{}, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return GCMEncryptor{}, err
	}
	return GCMEncryptor{aead: aead}, nil
}

func (g GCMEncryptor) Encrypt(plaintext string) (string, error) {
	nonceSize := g.aead.NonceSize()
	sealed := make([]byte, nonceSize, nonceSize+len(plaintext)+g.aead.Overhead())
	_, err := rand.Read(sealed)
	if err != nil {
		return "", err
	}
	sealed = g.aead.Seal(sealed, sealed[:nonceSize], []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (g GCMEncryptor) Decrypt(encrypted string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("the encrypted value is not valid base64: %w", err)
	}
	nonceSize := g.aead.NonceSize()
	if len(sealed) < nonceSize+g.aead.Overhead() {
		return "", fmt.Errorf("the encrypted value is too short")
	}
	plaintext, err := g.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("cannot decrypt the value: %w", err)
	}
	return string(plaintext), nil
}
