package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gitlab.com/netops-rnd/tunnelkeeper/internal/logz"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/backoff"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/config"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/control"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/detach"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/identity"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/provision"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/remote"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/supervisor"
)

const (
	passwordEnv = "TUNNELKEEPER_PASSWORD"
	stateDirEnv = "TUNNELKEEPER_STATE_DIR"

	defaultStateDir = "/var/lib/tunnelkeeper"
)

func usage() {
	fmt.Fprintf(os.Stderr, `tunnelkeeper — SSH key trust provisioning and supervised tunnels

Usage: tunnelkeeper <command> [flags]

Commands:
  provision     install this host's public key on a remote (password read
                from %s)
  add-tunnel    create or replace a persisted tunnel definition
  tunnel        run the supervised forwarding loop for a tunnel
  set-endpoint  point an existing tunnel at a new via host and restart it
  detach        hand the tunnel loop to the process supervisor

Run 'tunnelkeeper <command> -h' for command flags.
`, passwordEnv)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger %s", err)
		os.Exit(-1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[2:]
	switch os.Args[1] {
	case "provision":
		err = runProvision(ctx, args, logger)
	case "add-tunnel":
		err = runAddTunnel(args, logger)
	case "tunnel":
		err = runTunnel(ctx, args, logger)
	case "set-endpoint":
		err = runSetEndpoint(ctx, args, logger)
	case "detach":
		err = runDetach(ctx, args, logger)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Error("command failed", zap.String("command", os.Args[1]), logz.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func stateDirDefault() string {
	if dir := os.Getenv(stateDirEnv); dir != "" {
		return dir
	}
	return defaultStateDir
}

func identityStore(stateDir string, logger *zap.Logger) *identity.Store {
	return identity.NewStore(filepath.Join(stateDir, "identities"), logger)
}

func tunnelStore(stateDir string, logger *zap.Logger) *config.Store {
	return config.NewStore(filepath.Join(stateDir, "tunnels"), logger)
}

func runProvision(ctx context.Context, args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	identityName := fs.String("identity", "", "Identity name; defaults to the local hostname")
	host := fs.String("host", "", "Remote host to provision trust on")
	port := fs.Int("port", 22, "Remote SSH port")
	user := fs.String("user", "", "Remote user")
	reset := fs.Bool("reset", false, "Delete this identity's local key files and host cache first")
	stateDir := fs.String("state-dir", stateDirDefault(), "State directory")
	attempts := fs.Int("attempts", backoff.DefaultMaxAttempts, "Connection attempt cap")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *host == "" || *user == "" {
		return fmt.Errorf("provision requires -host and -user")
	}
	name := *identityName
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("determining local hostname: %w", err)
		}
		name = hostname
	}

	p := provision.New(
		identityStore(*stateDir, logger),
		remote.NewDialer(logger),
		backoff.Policy{MaxAttempts: *attempts},
		logger,
	)

	id, err := p.Provision(ctx, provision.Request{
		Identity: name,
		Remote:   remote.Endpoint{Host: *host, Port: *port, User: *user},
		Password: os.Getenv(passwordEnv),
		Reset:    *reset,
	})
	if err != nil {
		return err
	}

	fmt.Printf("identity %s provisioned; key-only login to %s@%s verified\n", id.Name, *user, *host)
	return nil
}

func runAddTunnel(args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("add-tunnel", flag.ExitOnError)
	service := fs.String("service", "", "Unique service name for this tunnel")
	viaHost := fs.String("via-host", "", "SSH endpoint host")
	viaPort := fs.Int("via-port", 22, "SSH endpoint port")
	viaUser := fs.String("via-user", "", "SSH endpoint user")
	identityRef := fs.String("identity", "", "Provisioned identity to authenticate with")
	bindHost := fs.String("bind-host", "127.0.0.1", "Local listener host")
	bindPort := fs.Int("bind-port", 0, "Local listener port")
	targetHost := fs.String("target-host", "", "Remote-side forward target host")
	targetPort := fs.Int("target-port", 0, "Remote-side forward target port")
	stateDir := fs.String("state-dir", stateDirDefault(), "State directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := &config.TunnelConfig{
		ServiceName: *service,
		Via:         config.Via{Host: *viaHost, Port: *viaPort, User: *viaUser},
		IdentityRef: *identityRef,
		Bind:        config.HostPort{Host: *bindHost, Port: *bindPort},
		Target:      config.HostPort{Host: *targetHost, Port: *targetPort},
	}
	if err := tunnelStore(*stateDir, logger).Save(cfg); err != nil {
		return err
	}

	fmt.Printf("tunnel %s saved: %s -> %s via %s@%s\n",
		cfg.ServiceName, cfg.Bind.Addr(), cfg.Target.Addr(), cfg.Via.User, cfg.Via.Addr())
	return nil
}

func runTunnel(ctx context.Context, args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("tunnel", flag.ExitOnError)
	service := fs.String("service", "", "Service name of the tunnel to run")
	stateDir := fs.String("state-dir", stateDirDefault(), "State directory")
	metricsAddr := fs.String("metrics-addr", "", "Optional address to serve Prometheus metrics on")
	keepalive := fs.Duration("keepalive-interval", supervisor.DefaultKeepaliveInterval, "Liveness probe interval")
	restartDelay := fs.Duration("restart-delay", supervisor.DefaultRestartDelay, "Fixed delay before an in-process restart")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *service == "" {
		return fmt.Errorf("tunnel requires -service")
	}

	return runTunnelLoop(ctx, *service, *stateDir, *metricsAddr, *keepalive, *restartDelay, logger)
}

func runTunnelLoop(ctx context.Context, service, stateDir, metricsAddr string, keepalive, restartDelay time.Duration, logger *zap.Logger) error {
	cfg, err := tunnelStore(stateDir, logger).Load(service)
	if err != nil {
		return err
	}

	s := supervisor.New(supervisor.Options{
		Config:            cfg,
		Identities:        identityStore(stateDir, logger),
		Logger:            logger,
		KeepaliveInterval: keepalive,
		RestartDelay:      restartDelay,
		MetricsAddr:       metricsAddr,
	})
	return s.Run(ctx)
}

func runSetEndpoint(ctx context.Context, args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("set-endpoint", flag.ExitOnError)
	service := fs.String("service", "", "Service name of the tunnel to reconfigure")
	host := fs.String("host", "", "New via host")
	stateDir := fs.String("state-dir", stateDirDefault(), "State directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *service == "" || *host == "" {
		return fmt.Errorf("set-endpoint requires -service and -host")
	}

	c := control.New(
		tunnelStore(*stateDir, logger),
		detach.NewManager(logger),
		backoff.Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 2 * time.Second},
		logger,
	)
	if err := c.SetEndpoint(ctx, *service, *host); err != nil {
		return err
	}

	fmt.Printf("service %s now routes via %s\n", *service, *host)
	return nil
}

func runDetach(ctx context.Context, args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("detach", flag.ExitOnError)
	service := fs.String("service", "", "Service name of the tunnel to detach")
	stateDir := fs.String("state-dir", stateDirDefault(), "State directory")
	metricsAddr := fs.String("metrics-addr", "", "Optional address to serve Prometheus metrics on")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *service == "" {
		return fmt.Errorf("detach requires -service")
	}

	// The tunnel definition must exist before handing it to the
	// supervisor; a missing service should fail here, not inside the unit.
	if _, err := tunnelStore(*stateDir, logger).Load(*service); err != nil {
		return err
	}

	manager := detach.NewManager(logger)

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating running program image: %w", err)
	}
	stable, err := manager.Materialize(execPath)
	if err != nil {
		return err
	}

	execStart := []string{stable, "tunnel", "-service", *service, "-state-dir", *stateDir}
	if *metricsAddr != "" {
		execStart = append(execStart, "-metrics-addr", *metricsAddr)
	}

	handle, err := manager.RunDetached(ctx, detach.Spec{
		ServiceName: *service,
		ExecStart:   execStart,
		Environment: map[string]string{stateDirEnv: *stateDir},
	})
	if errors.Is(err, detach.ErrSupervisorUnavailable) {
		// Never drop requested work: without a supervisor the tunnel runs
		// synchronously in this session instead.
		logger.Warn("process supervisor unavailable, continuing in the foreground",
			logz.Service(*service),
			logz.Error(err),
		)
		return runTunnelLoop(ctx, *service, *stateDir, *metricsAddr,
			supervisor.DefaultKeepaliveInterval, supervisor.DefaultRestartDelay, logger)
	}
	if err != nil {
		return err
	}

	fmt.Printf("tunnel %s handed off to supervisor as %s\n", *service, handle.Unit)
	return nil
}
