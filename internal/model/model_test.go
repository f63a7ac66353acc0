package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalOperation(t *testing.T) {
	op, err := UnmarshalOperation([]byte(`{"type":"FILE_OFFER","size":-5}`))
	require.NoError(t, err)
	assert.Equal(t, "file", op.Name)
	assert.EqualValues(t, -1, op.OfferSize())

	op, err = UnmarshalOperation([]byte(`{"type":"FILE_OFFER","name":"a.txt"}`))
	require.NoError(t, err)
	assert.EqualValues(t, -1, op.OfferSize())

	op, err = UnmarshalOperation([]byte(`{"type":"RCPT","kind":"READ","id":"x","at":42,"convPort":7777}`))
	require.NoError(t, err)
	assert.Equal(t, ReceiptRead, op.Kind)
	assert.Equal(t, 7777, op.ConvPort)

	for _, bad := range []string{
		`not json`,
		`{"type":"FILE_ACK"}`,
		`{}`,
		`{"type":"RCPT","kind":"SEEN"}`,
		`{"type":"FILE_REPLY","decision":"MAYBE"}`,
	} {
		_, err := UnmarshalOperation([]byte(bad))
		assert.ErrorIs(t, err, ErrProtocol, bad)
	}
}

func TestPeer(t *testing.T) {
	p, err := ParsePeer("[fe80::1%wlan0]:7777")
	require.NoError(t, err)
	assert.Equal(t, Peer{Host: "fe80::1", Port: 7777}, p)
	assert.Equal(t, "[fe80::1]:7777", p.Addr())
	assert.Equal(t, "fe80::1:7777", p.Key())

	_, err = ParsePeer("no-port")
	assert.Error(t, err)
	_, err = ParsePeer("host:http")
	assert.Error(t, err)
}

func TestTerminal(t *testing.T) {
	assert.False(t, StatusWaiting.Terminal())
	assert.False(t, StatusTransferring.Terminal())
	for _, s := range []TransferStatus{StatusDone, StatusFailed, StatusRejected, StatusCancelled} {
		assert.True(t, s.Terminal(), s)
	}
}
