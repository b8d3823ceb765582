// Package allowlist admits clients whose address already has an established TCP connection
// with this machine. It is a first filter in front of authentication, not a replacement for it.
package allowlist

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	gnet "github.com/shirou/gopsutil/v4/net"

	"idia-astro/go-remotemon/pkg/config"
	"idia-astro/go-remotemon/pkg/sysinfo"
)

var (
	ErrInvalidAddress = errors.New("Could not parse IP address")
	ErrIPv6           = errors.New("Could not parse IPv6 address")
	ErrTooShort       = errors.New("Detected IP address is too short")
)

// ConnectionSource lists the machine's current TCP connections
type ConnectionSource func(ctx context.Context) ([]sysinfo.ConnectionData, error)

// AddressSource lists the addresses assigned to the machine's own interfaces
type AddressSource func(ctx context.Context) ([]netip.Addr, error)

type Allowlist struct {
	enabled    bool
	production bool
	interval   time.Duration

	connections ConnectionSource
	addresses   AddressSource
	logger      *slog.Logger

	mu    sync.RWMutex
	list  map[string]struct{}
	local map[netip.Addr]struct{}
}

func New(cfg config.AllowlistConfig, production bool) *Allowlist {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return &Allowlist{
		enabled:     cfg.Enabled,
		production:  production,
		interval:    interval,
		connections: sysinfo.Connections,
		addresses:   interfaceAddresses,
		logger:      slog.With("component", "allowlist"),
		list:        make(map[string]struct{}),
		local:       make(map[netip.Addr]struct{}),
	}
}

// WithSources replaces the system lookups, for tests
func (a *Allowlist) WithSources(conns ConnectionSource, addrs AddressSource) *Allowlist {
	a.connections = conns
	a.addresses = addrs
	return a
}

// Run refreshes the list every interval until ctx is done. Failed refreshes back off.
func (a *Allowlist) Run(ctx context.Context) {
	if !a.enabled {
		return
	}
	b := &backoff.Backoff{Min: a.interval, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for {
		wait := a.interval
		if err := a.Refresh(ctx); err != nil {
			wait = b.Duration()
			a.logger.Warn("Failed to refresh allow-list", "error", err, "retryIn", wait)
		} else {
			b.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Refresh adds every peer of an established connection. Addresses are never removed.
func (a *Allowlist) Refresh(ctx context.Context) error {
	conns, err := a.connections(ctx)
	if err != nil {
		return err
	}
	var local []netip.Addr
	if a.addresses != nil {
		if local, err = a.addresses(ctx); err != nil {
			a.logger.Debug("Failed to list interface addresses", "error", err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range conns {
		ip := c.PeerAddress
		if !strings.EqualFold(c.State, "ESTABLISHED") || ip == "" || ip == "0.0.0.0" {
			continue
		}
		if addr, err := netip.ParseAddr(ip); err == nil {
			ip = addr.Unmap().String()
		}
		if _, ok := a.list[ip]; !ok {
			a.list[ip] = struct{}{}
			a.logger.Debug("Allowed address", "ip", ip)
		}
	}
	for _, addr := range local {
		a.local[addr.Unmap()] = struct{}{}
	}
	return nil
}

// Check reports whether ip may connect. Malformed addresses and IPv6 addresses that are not
// IPv4-mapped are errors.
func (a *Allowlist) Check(ip string) (bool, error) {
	if !a.enabled {
		return true, nil
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false, ErrInvalidAddress
	}
	if addr.Is6() {
		if !addr.Is4In6() {
			return false, ErrIPv6
		}
		addr = addr.Unmap()
	}

	s := addr.String()
	if len(s) < 7 {
		return false, ErrTooShort
	}

	a.mu.RLock()
	_, listed := a.list[s]
	_, local := a.local[addr]
	a.mu.RUnlock()

	if listed {
		return true, nil
	}
	if !a.production && (addr.IsLoopback() || local) {
		return true, nil
	}
	return false, nil
}

// Len is the number of remembered addresses
func (a *Allowlist) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.list)
}

func interfaceAddresses(ctx context.Context) ([]netip.Addr, error) {
	ifaces, err := gnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for _, iface := range ifaces {
		for _, a := range iface.Addrs {
			prefix, err := netip.ParsePrefix(a.Addr)
			if err != nil {
				continue
			}
			out = append(out, prefix.Addr())
		}
	}
	return out, nil
}
