package kdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionInfoIsOrderIndependent(t *testing.T) {
	a := []byte{0x30, 0x59, 0x01}
	b := []byte{0x30, 0x59, 0x02}

	assert.Equal(t, SessionInfo(a, b), SessionInfo(b, a))
	assert.Equal(t, append(append([]byte{}, a...), b...), SessionInfo(b, a))
}

func TestSessionKey(t *testing.T) {
	secret := []byte("shared secret")
	a, b := []byte("key-a"), []byte("key-b")

	k1, err := SessionKey(secret, a, b)
	require.NoError(t, err)
	k2, err := SessionKey(secret, b, a)
	require.NoError(t, err)

	assert.Len(t, k1, SessionKeySize)
	assert.Equal(t, k1, k2)

	k3, err := SessionKey([]byte("other secret"), a, b)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}
