package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

// ErrCiphertextInvalid is returned when a stored secret fails authentication
// or is structurally malformed.
var ErrCiphertextInvalid = errors.New("credential: invalid ciphertext")

// SecretBox encrypts stored secrets (TOTP keys, recovery codes) with
// AES-256-GCM. Every Encrypt draws a fresh nonce, so two calls on identical
// plaintext never yield identical ciphertext.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox creates a box from a 32-byte key.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != 32 {
		return nil, errors.New("credential: secret box key must be 32 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SecretBox{aead: aead}, nil
}

// Encrypt seals plaintext, prepending the nonce to the returned blob.
func (b *SecretBox) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// EncryptString seals a string secret.
func (b *SecretBox) EncryptString(plaintext string) ([]byte, error) {
	return b.Encrypt([]byte(plaintext))
}

// Decrypt opens a blob produced by Encrypt.
func (b *SecretBox) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < b.aead.NonceSize()+1 {
		return nil, ErrCiphertextInvalid
	}

	nonce, ciphertext := blob[:b.aead.NonceSize()], blob[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrCiphertextInvalid
	}
	return plaintext, nil
}

// DecryptString opens a blob holding a string secret.
func (b *SecretBox) DecryptString(blob []byte) (string, error) {
	plaintext, err := b.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
