package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"lanchat/internal/model"
)

const (
	NonceSize = 12
	TagSize   = 16
)

// NewAEAD builds AES-GCM with a 12-byte nonce and 128-bit tag. key must be
// 16/24/32 bytes; sessions always use 32.
func NewAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return aead, nil
}

// Seal returns nonce || ciphertext || tag with a fresh random nonce.
func Seal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	return aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Open splits off the nonce and authenticates the remainder.
func Open(aead cipher.AEAD, frame []byte) ([]byte, error) {
	if len(frame) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", model.ErrAuthentication, len(frame))
	}
	plain, err := aead.Open(nil, frame[:NonceSize], frame[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrAuthentication, err)
	}
	return plain, nil
}
