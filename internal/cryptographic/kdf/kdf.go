package kdf

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const SessionKeySize = 32

// SessionSalt is fixed by the wire protocol; both ends must use it verbatim.
var SessionSalt = []byte("TransportChat-HKDF")

// HKDF fills buffer with HKDF-SHA256 output for the given secret, salt and info.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// SessionInfo concatenates the two encoded public keys, the one whose base64
// form sorts first going first, so both ends build the same info.
func SessionInfo(a, b []byte) []byte {
	first, second := a, b
	if base64.StdEncoding.EncodeToString(b) < base64.StdEncoding.EncodeToString(a) {
		first, second = b, a
	}
	info := make([]byte, 0, len(first)+len(second))
	info = append(info, first...)
	return append(info, second...)
}

// SessionKey derives the 32-byte symmetric key for one connection.
func SessionKey(sharedSecret, localPub, peerPub []byte) ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := HKDF(sharedSecret, SessionSalt, SessionInfo(localPub, peerPub), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}
