package encryption

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanchat/internal/model"
)

func TestSealOpen(t *testing.T) {
	aead, err := NewAEAD(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	for _, plain := range [][]byte{{}, []byte("x"), bytes.Repeat([]byte("chunk"), 1000)} {
		frame, err := Seal(aead, plain)
		require.NoError(t, err)
		assert.Len(t, frame, NonceSize+len(plain)+TagSize)

		got, err := Open(aead, frame)
		require.NoError(t, err)
		assert.Equal(t, len(plain), len(got))
		assert.True(t, bytes.Equal(plain, got))
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	aead, err := NewAEAD(make([]byte, 32))
	require.NoError(t, err)

	f1, err := Seal(aead, []byte("same"))
	require.NoError(t, err)
	f2, err := Seal(aead, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, f1[:NonceSize], f2[:NonceSize])
}

func TestOpenRejects(t *testing.T) {
	aead, err := NewAEAD(make([]byte, 32))
	require.NoError(t, err)
	frame, err := Seal(aead, []byte("payload"))
	require.NoError(t, err)

	_, err = Open(aead, frame[:NonceSize+TagSize-1])
	assert.ErrorIs(t, err, model.ErrAuthentication)

	tampered := append([]byte{}, frame...)
	tampered[len(tampered)-1] ^= 1
	_, err = Open(aead, tampered)
	assert.ErrorIs(t, err, model.ErrAuthentication)
}
