package dh

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"lanchat/internal/model"
)

type (
	// Identity is the local secp256r1 keypair plus its wire encoding.
	Identity struct {
		priv   *ecdh.PrivateKey
		pubDER []byte
	}
)

// NewIdentity generates a fresh P-256 keypair.
func NewIdentity() (*Identity, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return fromPrivate(priv)
}

func fromPrivate(priv *ecdh.PrivateKey) (*Identity, error) {
	der, err := x509.MarshalPKIXPublicKey(priv.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return &Identity{priv: priv, pubDER: der}, nil
}

// PublicDER is the X.509 SubjectPublicKeyInfo encoding of the public key.
func (id *Identity) PublicDER() []byte {
	return id.pubDER
}

// PublicB64 is PublicDER in standard base64 without line breaks.
func (id *Identity) PublicB64() string {
	return base64.StdEncoding.EncodeToString(id.pubDER)
}

// SharedSecret runs ECDH against the peer key.
func (id *Identity) SharedSecret(peer *ecdh.PublicKey) ([]byte, error) {
	secret, err := id.priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrKeyAgreement, err)
	}
	return secret, nil
}

// ParsePublic decodes a base64 SubjectPublicKeyInfo and returns the key
// together with its raw DER bytes.
func ParsePublic(b64 string) (*ecdh.PublicKey, []byte, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: base64: %v", model.ErrKeyAgreement, err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", model.ErrKeyAgreement, err)
	}

	var pub *ecdh.PublicKey
	switch k := parsed.(type) {
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return nil, nil, fmt.Errorf("%w: unsupported curve %s", model.ErrKeyAgreement, k.Curve.Params().Name)
		}
		pub, err = k.ECDH()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", model.ErrKeyAgreement, err)
		}
	case *ecdh.PublicKey:
		if k.Curve() != ecdh.P256() {
			return nil, nil, fmt.Errorf("%w: unsupported curve", model.ErrKeyAgreement)
		}
		pub = k
	default:
		return nil, nil, fmt.Errorf("%w: unsupported key type %T", model.ErrKeyAgreement, parsed)
	}
	return pub, der, nil
}

// LoadOrCreate reads a PKCS#8 PEM identity from path, creating one when the
// file does not exist yet.
func LoadOrCreate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, err := NewIdentity()
		if err != nil {
			return nil, err
		}
		if err := id.save(path); err != nil {
			return nil, err
		}
		return id, nil
	}
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("%s: no PRIVATE KEY block", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}

	var priv *ecdh.PrivateKey
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%s: identity is not a P-256 key", path)
		}
		if priv, err = k.ECDH(); err != nil {
			return nil, err
		}
	case *ecdh.PrivateKey:
		if k.Curve() != ecdh.P256() {
			return nil, fmt.Errorf("%s: identity is not a P-256 key", path)
		}
		priv = k
	default:
		return nil, fmt.Errorf("%s: unsupported key type %T", path, key)
	}
	return fromPrivate(priv)
}

func (id *Identity) save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(id.priv)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600)
}
