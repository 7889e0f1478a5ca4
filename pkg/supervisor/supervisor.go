// Package supervisor runs one supervised forwarding session: it preflights
// the persisted tunnel config, establishes the SSH forwarding connection
// with a provisioned identity, probes it for liveness, and restarts quickly
// on degradation. Fatal preflight problems make the process exit non-zero
// so the external restart policy engages.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"gitlab.com/netops-rnd/tunnelkeeper/internal/logz"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/config"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/identity"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/remote"
)

const (
	DefaultKeepaliveInterval    = 15 * time.Second
	DefaultKeepaliveMaxFailures = 3
	DefaultRestartDelay         = 3 * time.Second
	DefaultMaxStarts            = 5
	DefaultStartWindow          = time.Minute
	DefaultProbeTimeout         = 5 * time.Second
)

// Connector dials the via endpoint with key-only authentication, either as
// a command session (preflight verification) or as a forwarding client.
type Connector interface {
	DialKey(ctx context.Context, endpoint remote.Endpoint, signer ssh.Signer, hostKey ssh.HostKeyCallback) (remote.Runner, error)
	DialKeyClient(ctx context.Context, endpoint remote.Endpoint, signer ssh.Signer, hostKey ssh.HostKeyCallback) (*ssh.Client, error)
}

type Options struct {
	Config     *config.TunnelConfig
	Identities *identity.Store
	Connector  Connector
	Logger     *zap.Logger

	KeepaliveInterval    time.Duration
	KeepaliveMaxFailures int

	// RestartDelay is deliberately short and fixed rather than backed off:
	// the tunnel is expected to be long-lived and transient blips should
	// heal within seconds. MaxStarts/StartWindow cap crash-looping into a
	// truly broken config.
	RestartDelay time.Duration
	MaxStarts    int
	StartWindow  time.Duration

	ProbeTimeout time.Duration
	MetricsAddr  string
}

func (o Options) withDefaults() Options {
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.KeepaliveMaxFailures <= 0 {
		o.KeepaliveMaxFailures = DefaultKeepaliveMaxFailures
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = DefaultRestartDelay
	}
	if o.MaxStarts <= 0 {
		o.MaxStarts = DefaultMaxStarts
	}
	if o.StartWindow <= 0 {
		o.StartWindow = DefaultStartWindow
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	return o
}

type Supervisor struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics

	mu     sync.Mutex
	state  State
	starts []time.Time
}

func New(opts Options) *Supervisor {
	opts = opts.withDefaults()
	if opts.Connector == nil {
		opts.Connector = remote.NewDialer(opts.Logger)
	}
	return &Supervisor{
		opts:    opts,
		logger:  opts.Logger,
		metrics: newMetrics(opts.Config.ServiceName),
		state:   StateIdle,
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	s.metrics.setEstablished(state == StateEstablished)
	s.logger.Info("tunnel state changed",
		logz.Service(s.opts.Config.ServiceName),
		logz.State(string(state)),
	)
}

// admitStart records a start attempt and reports whether it is within the
// crash-loop budget for the configured window.
func (s *Supervisor) admitStart(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.starts[:0]
	for _, t := range s.starts {
		if now.Sub(t) < s.opts.StartWindow {
			kept = append(kept, t)
		}
	}
	s.starts = kept

	if len(s.starts) >= s.opts.MaxStarts {
		return false
	}
	s.starts = append(s.starts, now)
	return true
}

// Run drives the tunnel until ctx is cancelled (operator stop, returns nil)
// or a fatal condition is hit (returns the error; the process should exit
// non-zero so the external supervisor restarts it).
func (s *Supervisor) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	if s.opts.MetricsAddr != "" {
		eg.Go(func() error {
			return s.serveMetrics(ctx, s.opts.MetricsAddr)
		})
	}
	eg.Go(func() error {
		return s.runLoop(ctx)
	})

	return eg.Wait()
}

func (s *Supervisor) runLoop(ctx context.Context) error {
	cfg := s.opts.Config

	for {
		if ctx.Err() != nil {
			s.setState(StateStopped)
			return nil
		}

		if !s.admitStart(time.Now()) {
			s.setState(StateFailed)
			return &CrashLoopError{
				Service: cfg.ServiceName,
				Starts:  s.opts.MaxStarts,
				Window:  s.opts.StartWindow,
			}
		}

		s.setState(StatePreflight)
		launch, err := s.preflight(ctx)
		if err != nil {
			s.setState(StateFailed)
			return err
		}

		s.setState(StateConnecting)
		client, err := s.opts.Connector.DialKeyClient(ctx, launch.endpoint, launch.signer, launch.hostKey)
		if err != nil {
			launch.listener.Close()
			if ctx.Err() != nil {
				s.setState(StateStopped)
				return nil
			}
			s.logger.Warn("failed to establish forwarding connection",
				logz.Service(cfg.ServiceName),
				logz.RemoteEndpoint(launch.endpoint.String()),
				logz.Error(err),
			)
			if stopped := s.restartPause(ctx); stopped {
				return nil
			}
			continue
		}

		s.setState(StateEstablished)
		s.logger.Info("tunnel established",
			logz.Service(cfg.ServiceName),
			logz.BindAddr(cfg.Bind.Addr()),
			logz.TargetAddr(cfg.Target.Addr()),
			logz.RemoteEndpoint(launch.endpoint.String()),
		)

		serveErr := s.serve(ctx, client, launch.listener)
		if ctx.Err() != nil {
			s.setState(StateStopped)
			return nil
		}

		// Deliberate teardown rather than waiting on a dead peer.
		s.setState(StateDegraded)
		s.logger.Warn("tunnel degraded, tearing down for restart",
			logz.Service(cfg.ServiceName),
			logz.Error(serveErr),
		)
		s.metrics.restarts.Inc()

		if stopped := s.restartPause(ctx); stopped {
			return nil
		}
	}
}

// restartPause waits the fixed restart delay. Reports true when the
// operator stopped the tunnel during the pause.
func (s *Supervisor) restartPause(ctx context.Context) bool {
	s.setState(StateRestarting)
	select {
	case <-time.After(s.opts.RestartDelay):
		return false
	case <-ctx.Done():
		s.setState(StateStopped)
		return true
	}
}
