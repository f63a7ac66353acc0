package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/libp2p/zeroconf/v2"
	"go.uber.org/zap"

	"lanchat/internal/model"
	"lanchat/internal/utils/log"
)

const (
	ServiceType = "_lanonlychat._tcp"
	Domain      = "local."

	namePrefix    = "LanChat-"
	maxNameSuffix = 20
)

type (
	// SelfFilter reports whether a discovered entry is this process and
	// should be hidden.
	SelfFilter func(model.PeerInfo) bool

	// Discovery advertises this node over mDNS/DNS-SD and browses for others.
	Discovery struct {
		filter SelfFilter
		log    *zap.Logger

		mu     sync.Mutex
		server *zeroconf.Server
		name   string
		port   int
	}
)

// InstanceName is the advertised DNS-SD instance for a display name.
func InstanceName(name string) string {
	r := []rune(strings.TrimSpace(name))
	if len(r) > maxNameSuffix {
		r = r[:maxNameSuffix]
	}
	if len(r) == 0 {
		r = []rune("peer")
	}
	return namePrefix + string(r)
}

// DisplayName undoes InstanceName; ok is false for foreign instances.
func DisplayName(instance string) (string, bool) {
	if !strings.HasPrefix(instance, namePrefix) {
		return "", false
	}
	return strings.TrimPrefix(instance, namePrefix), true
}

// SameEndpoint hides entries that advertise our own name and port.
func SameEndpoint(name string, port int) SelfFilter {
	return func(p model.PeerInfo) bool {
		return p.Port == port && p.Name == name
	}
}

// LocalAddresses hides entries that point at one of this host's interface
// addresses on our port.
func LocalAddresses(port int) SelfFilter {
	local := map[string]bool{}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok {
				local[model.NormalizeHost(ipn.IP.String())] = true
			}
		}
	}
	return func(p model.PeerInfo) bool {
		return p.Port == port && local[p.Host]
	}
}

// Any combines filters; an entry is hidden if one of them matches.
func Any(filters ...SelfFilter) SelfFilter {
	return func(p model.PeerInfo) bool {
		for _, f := range filters {
			if f != nil && f(p) {
				return true
			}
		}
		return false
	}
}

func New(filter SelfFilter) *Discovery {
	if filter == nil {
		filter = func(model.PeerInfo) bool { return false }
	}
	return &Discovery{
		filter: filter,
		log:    log.Named("discovery"),
	}
}

// Register advertises name on port, replacing an earlier registration.
// Calling it again with a new name is how the advertisement is refreshed.
func (d *Discovery) Register(name string, port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.server != nil {
		d.server.Shutdown()
		d.server = nil
	}

	instance := InstanceName(name)
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, []string{"name=" + name}, nil)
	if err != nil {
		return fmt.Errorf("register %s: %w", instance, err)
	}
	d.server, d.name, d.port = server, name, port
	d.log.Info("registered", zap.String("instance", instance), zap.Int("port", port))
	return nil
}

func (d *Discovery) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server != nil {
		d.server.Shutdown()
		d.server = nil
		d.log.Info("unregistered", zap.String("instance", InstanceName(d.name)))
	}
}

// Browse streams reachable peers until ctx ends. Each endpoint is reported
// once per name; foreign services and entries matched by the self filter are
// dropped.
func (d *Discovery) Browse(ctx context.Context) (<-chan model.PeerInfo, error) {
	entries := make(chan *zeroconf.ServiceEntry, 16)
	out := make(chan model.PeerInfo, 16)

	browseErr := make(chan error, 1)
	go func() {
		browseErr <- zeroconf.Browse(ctx, ServiceType, Domain, entries)
	}()

	go func() {
		defer close(out)
		seen := map[string]string{}
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-browseErr:
				if err != nil && ctx.Err() == nil {
					d.log.Warn("browse stopped", zap.Error(err))
				}
				return
			case e, ok := <-entries:
				if !ok {
					return
				}
				for _, p := range d.toPeers(e) {
					if seen[p.Key()] == p.Name {
						continue
					}
					seen[p.Key()] = p.Name
					select {
					case out <- p:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (d *Discovery) toPeers(e *zeroconf.ServiceEntry) []model.PeerInfo {
	if e == nil {
		return nil
	}
	name, ok := DisplayName(e.Instance)
	if !ok {
		return nil
	}
	return d.filterPeers(name, e.Port, append(append([]net.IP{}, e.AddrIPv4...), e.AddrIPv6...))
}

func (d *Discovery) filterPeers(name string, port int, ips []net.IP) []model.PeerInfo {
	var out []model.PeerInfo
	for _, ip := range ips {
		p := model.PeerInfo{Peer: model.NewPeer(ip.String(), port), Name: name}
		if d.filter(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}
