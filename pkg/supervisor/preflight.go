package supervisor

import (
	"context"
	"net"

	"golang.org/x/crypto/ssh"

	"gitlab.com/netops-rnd/tunnelkeeper/pkg/remote"
)

// launch carries everything preflight established for the connect stage.
// The bind listener is handed over rather than re-opened, so the port
// cannot be taken between the check and the start.
type launch struct {
	listener net.Listener
	endpoint remote.Endpoint
	signer   ssh.Signer
	hostKey  ssh.HostKeyCallback
}

// preflight verifies, in order: the bind port is free, the via endpoint is
// reachable over TCP, and the identity's key authenticates with the
// sentinel echo. All three must pass before the tunnel is attempted.
func (s *Supervisor) preflight(ctx context.Context) (*launch, error) {
	cfg := s.opts.Config

	listener, err := net.Listen("tcp", cfg.Bind.Addr())
	if err != nil {
		return nil, &PreflightError{
			Service: cfg.ServiceName,
			Reason:  ReasonPortInUse,
			Detail:  cfg.Bind.Addr(),
			Err:     err,
		}
	}

	endpoint := remote.Endpoint{Host: cfg.Via.Host, Port: cfg.Via.Port, User: cfg.Via.User}

	probe, err := net.DialTimeout("tcp", endpoint.Addr(), s.opts.ProbeTimeout)
	if err != nil {
		listener.Close()
		return nil, &PreflightError{
			Service: cfg.ServiceName,
			Reason:  ReasonUnreachable,
			Detail:  endpoint.Addr(),
			Err:     err,
		}
	}
	probe.Close()

	id, err := s.opts.Identities.Identity(cfg.IdentityRef)
	if err != nil {
		listener.Close()
		return nil, &PreflightError{
			Service: cfg.ServiceName,
			Reason:  ReasonKeyMissing,
			Detail:  cfg.IdentityRef,
			Err:     err,
		}
	}
	if !id.HasKey() {
		listener.Close()
		return nil, &PreflightError{
			Service: cfg.ServiceName,
			Reason:  ReasonKeyMissing,
			Detail:  id.PrivateKeyPath(),
		}
	}
	signer, err := id.Signer()
	if err != nil {
		listener.Close()
		return nil, &PreflightError{
			Service: cfg.ServiceName,
			Reason:  ReasonKeyMissing,
			Detail:  id.PrivateKeyPath(),
			Err:     err,
		}
	}

	hostKey := id.HostKeyCallback()
	runner, err := s.opts.Connector.DialKey(ctx, endpoint, signer, hostKey)
	if err != nil {
		listener.Close()
		return nil, &PreflightError{
			Service: cfg.ServiceName,
			Reason:  ReasonVerificationFailed,
			Detail:  endpoint.String(),
			Err:     err,
		}
	}
	defer runner.Close()

	if err := remote.VerifySentinel(ctx, runner, id.Sentinel()); err != nil {
		listener.Close()
		return nil, &PreflightError{
			Service: cfg.ServiceName,
			Reason:  ReasonVerificationFailed,
			Detail:  endpoint.String(),
			Err:     err,
		}
	}

	return &launch{
		listener: listener,
		endpoint: endpoint,
		signer:   signer,
		hostKey:  hostKey,
	}, nil
}
