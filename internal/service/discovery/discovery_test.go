package discovery

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"lanchat/internal/model"
)

func TestInstanceName(t *testing.T) {
	assert.Equal(t, "LanChat-laptop", InstanceName("laptop"))
	assert.Equal(t, "LanChat-abcdefghijklmnopqrst", InstanceName("abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "LanChat-peer", InstanceName("  "))

	name, ok := DisplayName("LanChat-laptop")
	assert.True(t, ok)
	assert.Equal(t, "laptop", name)

	_, ok = DisplayName("Printer")
	assert.False(t, ok)
}

func TestFilterPeers(t *testing.T) {
	d := New(Any(SameEndpoint("me", 7777), func(p model.PeerInfo) bool { return p.Host == "10.0.0.9" }))

	ips := []net.IP{net.ParseIP("10.0.0.2"), net.ParseIP("10.0.0.9"), net.ParseIP("fe80::1")}
	got := d.filterPeers("other", 7777, ips)
	assert.Equal(t, []model.PeerInfo{
		{Peer: model.NewPeer("10.0.0.2", 7777), Name: "other"},
		{Peer: model.NewPeer("fe80::1", 7777), Name: "other"},
	}, got)

	assert.Empty(t, d.filterPeers("me", 7777, ips[:1]))
	assert.Len(t, d.filterPeers("me", 7778, ips[:1]), 1)
}

func TestLocalAddresses(t *testing.T) {
	f := LocalAddresses(7777)
	assert.True(t, f(model.PeerInfo{Peer: model.NewPeer("127.0.0.1", 7777)}))
	assert.False(t, f(model.PeerInfo{Peer: model.NewPeer("127.0.0.1", 7778)}))
	assert.False(t, f(model.PeerInfo{Peer: model.NewPeer("203.0.113.7", 7777)}))
}

func TestNilFilterKeepsEverything(t *testing.T) {
	d := New(nil)
	assert.Len(t, d.filterPeers("x", 1, []net.IP{net.ParseIP("10.0.0.1")}), 1)
}
