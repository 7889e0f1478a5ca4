// Package control is the runtime reconfiguration surface: one operation
// that points an existing tunnel at a new via host and restarts it.
package control

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"gitlab.com/netops-rnd/tunnelkeeper/internal/logz"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/backoff"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/config"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/detach"
)

// InvalidAddressError reports a syntactically invalid via host. The
// persisted config is left untouched.
type InvalidAddressError struct {
	Host string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address: %q is neither an IP address nor a hostname", e.Host)
}

// RestartTimeoutError reports that the service restarted but its bind port
// never came up within the polling budget.
type RestartTimeoutError struct {
	Service  string
	BindAddr string
	Attempts int
}

func (e *RestartTimeoutError) Error() string {
	return fmt.Sprintf("restart timeout: service %q did not listen on %s after %d checks; inspect the supervisor logs (journalctl -u %s)",
		e.Service, e.BindAddr, e.Attempts, detach.UnitName(e.Service))
}

// Restarter triggers a supervised restart of a named service.
type Restarter interface {
	Restart(ctx context.Context, serviceName string) error
}

type Controller struct {
	store     *config.Store
	restarter Restarter
	policy    backoff.Policy
	logger    *zap.Logger

	probeTimeout time.Duration
}

func New(store *config.Store, restarter Restarter, policy backoff.Policy, logger *zap.Logger) *Controller {
	return &Controller{
		store:        store,
		restarter:    restarter,
		policy:       policy,
		logger:       logger,
		probeTimeout: time.Second,
	}
}

// SetEndpoint validates newHost, atomically rewrites the persisted via
// host, restarts the service, and waits for the bind port to be observed
// listening.
func (c *Controller) SetEndpoint(ctx context.Context, serviceName, newHost string) error {
	if !ValidHost(newHost) {
		return &InvalidAddressError{Host: newHost}
	}

	cfg, err := c.store.SetViaHost(serviceName, newHost)
	if err != nil {
		return err
	}
	c.logger.Info("via host updated",
		logz.Service(serviceName),
		logz.RemoteAddr(cfg.Via.Addr()),
	)

	if err := c.restarter.Restart(ctx, serviceName); err != nil {
		return fmt.Errorf("restarting service %q: %w", serviceName, err)
	}

	if err := c.awaitListening(ctx, cfg.Bind.Addr()); err != nil {
		// An operator cancelling mid-poll is not a restart timeout.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &RestartTimeoutError{
			Service:  serviceName,
			BindAddr: cfg.Bind.Addr(),
			Attempts: c.policy.MaxAttempts,
		}
	}

	c.logger.Info("service restarted and listening",
		logz.Service(serviceName),
		logz.BindAddr(cfg.Bind.Addr()),
	)
	return nil
}

func (c *Controller) awaitListening(ctx context.Context, bindAddr string) error {
	return c.policy.Retry(ctx, c.logger, "observe bind port listening", func() error {
		conn, err := net.DialTimeout("tcp", bindAddr, c.probeTimeout)
		if err != nil {
			return err
		}
		return conn.Close()
	})
}

var hostnameRE = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,62})?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,62})?)*$`)

// ValidHost accepts an IP address or a DNS hostname. Ports, schemes, and
// user info are not part of a via host and are rejected.
func ValidHost(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	if strings.ContainsAny(host, ":/@ ") {
		return false
	}
	return hostnameRE.MatchString(host)
}
