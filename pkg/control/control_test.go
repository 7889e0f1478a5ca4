package control

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/netops-rnd/tunnelkeeper/pkg/backoff"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/config"
)

type fakeRestarter struct {
	restarts []string
	err      error

	// onRestart runs before Restart returns, e.g. to bring the bind
	// listener up the way a real supervisor restart would.
	onRestart func()
}

func (f *fakeRestarter) Restart(_ context.Context, serviceName string) error {
	f.restarts = append(f.restarts, serviceName)
	if f.onRestart != nil {
		f.onRestart()
	}
	return f.err
}

func fastPolicy() backoff.Policy {
	return backoff.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func testStore(t *testing.T, bindPort int) *config.Store {
	t.Helper()
	store := config.NewStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, store.Save(&config.TunnelConfig{
		ServiceName: "svc1",
		Via:         config.Via{Host: "bastion.example.com", Port: 22, User: "deploy"},
		IdentityRef: "edge-01",
		Bind:        config.HostPort{Host: "127.0.0.1", Port: bindPort},
		Target:      config.HostPort{Host: "10.0.0.5", Port: 443},
	}))
	return store
}

func TestValidHost(t *testing.T) {
	tests := []struct {
		host  string
		valid bool
	}{
		{host: "203.0.113.9", valid: true},
		{host: "2001:db8::1", valid: true},
		{host: "bastion.example.com", valid: true},
		{host: "localhost", valid: true},
		{host: "", valid: false},
		{host: "host with spaces", valid: false},
		{host: "example.com:22", valid: false},
		{host: "user@example.com", valid: false},
		{host: "http://example.com", valid: false},
		{host: "-leading.example.com", valid: false},
	}

	for _, tr := range tests {
		t.Run(tr.host, func(t *testing.T) {
			require.Equal(t, tr.valid, ValidHost(tr.host))
		})
	}
}

func TestSetEndpointInvalidAddressLeavesConfigUntouched(t *testing.T) {
	store := testStore(t, 8443)
	before, err := os.ReadFile(store.Path("svc1"))
	require.NoError(t, err)

	restarter := &fakeRestarter{}
	c := New(store, restarter, fastPolicy(), zaptest.NewLogger(t))

	err = c.SetEndpoint(context.Background(), "svc1", "not a host!")
	var invalid *InvalidAddressError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "not a host!", invalid.Host)

	after, err := os.ReadFile(store.Path("svc1"))
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Empty(t, restarter.restarts)
}

func TestSetEndpointUnknownServiceFails(t *testing.T) {
	store := testStore(t, 8443)
	c := New(store, &fakeRestarter{}, fastPolicy(), zaptest.NewLogger(t))

	err := c.SetEndpoint(context.Background(), "missing", "203.0.113.9")
	require.ErrorIs(t, err, config.ErrNotFound)
}

func TestSetEndpointUpdatesRestartsAndObservesListener(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	bindPort := listener.Addr().(*net.TCPAddr).Port

	store := testStore(t, bindPort)
	restarter := &fakeRestarter{}
	c := New(store, restarter, fastPolicy(), zaptest.NewLogger(t))

	require.NoError(t, c.SetEndpoint(context.Background(), "svc1", "203.0.113.9"))
	require.Equal(t, []string{"svc1"}, restarter.restarts)

	cfg, err := store.Load("svc1")
	require.NoError(t, err)
	require.Equal(t, "203.0.113.9", cfg.Via.Host)
}

func TestSetEndpointListenerComesUpDuringPolling(t *testing.T) {
	// Reserve a port first so the config can point at it.
	reserve, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	bindPort := reserve.Addr().(*net.TCPAddr).Port
	require.NoError(t, reserve.Close())

	store := testStore(t, bindPort)
	var listener net.Listener
	restarter := &fakeRestarter{
		onRestart: func() {
			listener, _ = net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(bindPort)))
		},
	}
	c := New(store, restarter, fastPolicy(), zaptest.NewLogger(t))

	require.NoError(t, c.SetEndpoint(context.Background(), "svc1", "203.0.113.9"))
	require.NotNil(t, listener)
	listener.Close()
}

func TestSetEndpointRestartTimeout(t *testing.T) {
	// Config exists but nothing ever listens on the bind port.
	reserve, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	bindPort := reserve.Addr().(*net.TCPAddr).Port
	require.NoError(t, reserve.Close())

	store := testStore(t, bindPort)
	c := New(store, &fakeRestarter{}, fastPolicy(), zaptest.NewLogger(t))

	err = c.SetEndpoint(context.Background(), "svc1", "203.0.113.9")
	var timeout *RestartTimeoutError
	require.ErrorAs(t, err, &timeout)
	require.Equal(t, "svc1", timeout.Service)
	require.Contains(t, err.Error(), "journalctl -u tunnelkeeper-svc1.service")
}

func TestSetEndpointCancelledDuringPollingIsNotATimeout(t *testing.T) {
	// The bind port never comes up; the operator cancels while SetEndpoint
	// is still polling for it.
	reserve, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	bindPort := reserve.Addr().(*net.TCPAddr).Port
	require.NoError(t, reserve.Close())

	ctx, cancel := context.WithCancel(context.Background())
	store := testStore(t, bindPort)
	restarter := &fakeRestarter{onRestart: cancel}
	c := New(store, restarter, fastPolicy(), zaptest.NewLogger(t))

	err = c.SetEndpoint(ctx, "svc1", "203.0.113.9")
	require.ErrorIs(t, err, context.Canceled)
	var timeout *RestartTimeoutError
	require.False(t, errors.As(err, &timeout))
}

func TestSetEndpointRestarterFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	store := testStore(t, listener.Addr().(*net.TCPAddr).Port)
	restarter := &fakeRestarter{err: errors.New("unit not found")}
	c := New(store, restarter, fastPolicy(), zaptest.NewLogger(t))

	err = c.SetEndpoint(context.Background(), "svc1", "203.0.113.9")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unit not found")
}
