package allowlist

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idia-astro/go-remotemon/pkg/config"
	"idia-astro/go-remotemon/pkg/sysinfo"
)

func staticConnections(conns ...sysinfo.ConnectionData) ConnectionSource {
	return func(context.Context) ([]sysinfo.ConnectionData, error) {
		return conns, nil
	}
}

func staticAddresses(addrs ...string) AddressSource {
	return func(context.Context) ([]netip.Addr, error) {
		out := make([]netip.Addr, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, netip.MustParseAddr(a))
		}
		return out, nil
	}
}

func newTestList(t *testing.T, production bool) *Allowlist {
	t.Helper()
	a := New(config.AllowlistConfig{Enabled: true, Interval: 10 * time.Millisecond}, production).WithSources(
		staticConnections(
			sysinfo.ConnectionData{PeerAddress: "203.0.113.9", State: "ESTABLISHED"},
			sysinfo.ConnectionData{PeerAddress: "203.0.113.10", State: "LISTEN"},
			sysinfo.ConnectionData{PeerAddress: "0.0.0.0", State: "ESTABLISHED"},
			sysinfo.ConnectionData{PeerAddress: "::ffff:198.51.100.4", State: "ESTABLISHED"},
		),
		staticAddresses("192.168.1.5", "::1"),
	)
	require.NoError(t, a.Refresh(context.Background()))
	return a
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name       string
		ip         string
		production bool
		want       bool
		wantErr    error
	}{
		{name: "established peer", ip: "203.0.113.9", want: true},
		{name: "listening socket peer is not listed", ip: "203.0.113.10", want: false},
		{name: "unknown peer", ip: "198.51.100.200", want: false},
		{name: "mapped peer stored unmapped", ip: "198.51.100.4", want: true},
		{name: "mapped client address", ip: "::ffff:203.0.113.9", want: true},
		{name: "loopback in development", ip: "127.0.0.1", want: true},
		{name: "mapped loopback in development", ip: "::ffff:127.0.0.1", want: true},
		{name: "local interface in development", ip: "192.168.1.5", want: true},
		{name: "loopback in production", ip: "127.0.0.1", production: true, want: false},
		{name: "listed in production", ip: "203.0.113.9", production: true, want: true},
		{name: "plain ipv6", ip: "2001:db8::1", wantErr: ErrIPv6},
		{name: "ipv6 loopback", ip: "::1", wantErr: ErrIPv6},
		{name: "garbage", ip: "not-an-ip", wantErr: ErrInvalidAddress},
		{name: "empty", ip: "", wantErr: ErrInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestList(t, tt.production)
			got, err := a.Check(tt.ip)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddressesAreOnlyAdded(t *testing.T) {
	calls := 0
	a := New(config.AllowlistConfig{Enabled: true}, true).WithSources(
		func(context.Context) ([]sysinfo.ConnectionData, error) {
			calls++
			if calls == 1 {
				return []sysinfo.ConnectionData{{PeerAddress: "203.0.113.1", State: "ESTABLISHED"}}, nil
			}
			return []sysinfo.ConnectionData{{PeerAddress: "203.0.113.2", State: "ESTABLISHED"}}, nil
		}, nil)

	require.NoError(t, a.Refresh(context.Background()))
	require.NoError(t, a.Refresh(context.Background()))
	assert.Equal(t, 2, a.Len())

	ok, err := a.Check("203.0.113.1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDisabledAdmitsEverything(t *testing.T) {
	a := New(config.AllowlistConfig{Enabled: false}, true)
	ok, err := a.Check("2001:db8::1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunKeepsRefreshingAfterErrors(t *testing.T) {
	var calls atomic.Int32
	a := New(config.AllowlistConfig{Enabled: true, Interval: 5 * time.Millisecond}, true).WithSources(
		func(context.Context) ([]sysinfo.ConnectionData, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("proc not mounted")
			}
			return []sysinfo.ConnectionData{{PeerAddress: "203.0.113.3", State: "ESTABLISHED"}}, nil
		}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return a.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
