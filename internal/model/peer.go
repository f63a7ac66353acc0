package model

import (
	"net"
	"strconv"
	"strings"
)

type (
	// Peer is a conversation endpoint. For inbound connections Port is the
	// local listen port, which is how conversations are keyed.
	Peer struct {
		Host string `json:"host" bson:"host"`
		Port int    `json:"port" bson:"port"`
	}

	// PeerInfo is what discovery reports about a reachable peer.
	PeerInfo struct {
		Peer
		Name string `json:"name"`
	}
)

func NewPeer(host string, port int) Peer {
	return Peer{Host: NormalizeHost(host), Port: port}
}

// ParsePeer parses "host:port", including bracketed IPv6.
func ParsePeer(s string) (Peer, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Peer{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Peer{}, err
	}
	return NewPeer(host, port), nil
}

func (p Peer) Key() string {
	return p.Host + ":" + strconv.Itoa(p.Port)
}

func (p Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p Peer) String() string {
	return p.Addr()
}

// NormalizeHost strips an IPv6 zone such as "%wlan0".
func NormalizeHost(host string) string {
	if i := strings.IndexByte(host, '%'); i >= 0 {
		return host[:i]
	}
	return host
}
