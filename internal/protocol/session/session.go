package session

import (
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"sync/atomic"

	"lanchat/internal/cryptographic/dh"
	"lanchat/internal/cryptographic/encryption"
	"lanchat/internal/cryptographic/kdf"
	"lanchat/internal/model"
)

// MaxSeals bounds how many frames one session may encrypt. Nonces are random,
// so collision probability stays negligible only while this holds.
const MaxSeals = 1 << 32

var ErrExhausted = errors.New("session nonce budget exhausted")

// Session is the symmetric state of exactly one connection. It is safe for
// concurrent use; the connection's reader and writer may share it.
type Session struct {
	aead  cipher.AEAD
	seals atomic.Uint64
}

// New wraps an already derived 32-byte key.
func New(key []byte) (*Session, error) {
	if len(key) != kdf.SessionKeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", kdf.SessionKeySize, len(key))
	}
	aead, err := encryption.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Session{aead: aead}, nil
}

// Derive computes ECDH between the local identity and the peer key, then
// HKDF-SHA256 over the shared secret. Either side computes the same key.
func Derive(local *dh.Identity, peerPublicB64 string) (*Session, error) {
	peer, peerDER, err := dh.ParsePublic(peerPublicB64)
	if err != nil {
		return nil, err
	}
	secret, err := local.SharedSecret(peer)
	if err != nil {
		return nil, err
	}
	key, err := kdf.SessionKey(secret, local.PublicDER(), peerDER)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrKeyAgreement, err)
	}
	return New(key)
}

func (s *Session) Seal(plaintext []byte) ([]byte, error) {
	if s.seals.Add(1) > MaxSeals {
		return nil, ErrExhausted
	}
	return encryption.Seal(s.aead, plaintext)
}

func (s *Session) Open(frame []byte) ([]byte, error) {
	return encryption.Open(s.aead, frame)
}

func (s *Session) SealB64(plaintext []byte) (string, error) {
	ct, err := s.Seal(plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

func (s *Session) OpenB64(payload string) ([]byte, error) {
	frame, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", model.ErrAuthentication, err)
	}
	return s.Open(frame)
}
