// Package provision installs an identity's public key on a remote host
// using password authentication, then proves key-only login works. The run
// is idempotent and retry-safe: it only ever appends a single exact line to
// the remote authorized-key list, and it never deletes remote state.
package provision

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/netops-rnd/tunnelkeeper/internal/logz"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/backoff"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/identity"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/remote"
)

// Request describes one provisioning run.
type Request struct {
	Identity string
	Remote   remote.Endpoint
	Password string

	// Reset deletes this identity's local key files and host-key cache
	// before provisioning. Other identities and the remote's own state are
	// never touched.
	Reset bool
}

type Provisioner struct {
	identities *identity.Store
	dialer     remote.Dialer
	policy     backoff.Policy
	logger     *zap.Logger
}

func New(identities *identity.Store, dialer remote.Dialer, policy backoff.Policy, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		identities: identities,
		dialer:     dialer,
		policy:     policy,
		logger:     logger,
	}
}

// Provision establishes key trust for one identity. Steps run strictly in
// order: reset (optional) → generate → prepare remote → append key →
// verify. Only the network-crossing install steps are retried; a
// verification failure after a successful install is reported as such, not
// as a connectivity problem.
func (p *Provisioner) Provision(ctx context.Context, req Request) (*identity.Identity, error) {
	if req.Password == "" {
		return nil, &MissingCredentialError{Identity: req.Identity}
	}

	if req.Reset {
		if err := p.identities.Reset(req.Identity); err != nil {
			return nil, err
		}
	}

	id, err := p.identities.Identity(req.Identity)
	if err != nil {
		return nil, err
	}
	if err := id.Generate(); err != nil {
		return nil, err
	}

	keyLine, err := id.PublicKeyLine()
	if err != nil {
		return nil, err
	}

	if err := p.installKey(ctx, id, req, keyLine); err != nil {
		return nil, err
	}

	if err := p.verify(ctx, id, req.Remote); err != nil {
		return nil, err
	}

	if err := id.MarkAuthorized(); err != nil {
		return nil, err
	}

	p.logger.Info("identity provisioned",
		logz.Identity(id.Name),
		logz.RemoteEndpoint(req.Remote.String()),
	)
	return id, nil
}

// installKey opens the password-authenticated bootstrap session and appends
// the public key idempotently. The whole step is retried with bounded
// backoff; each attempt is self-contained, so a retry after a partial
// failure cannot duplicate the key line.
func (p *Provisioner) installKey(ctx context.Context, id *identity.Identity, req Request, keyLine string) error {
	dialFailed := false

	err := p.policy.Retry(ctx, p.logger, "install authorized key", func() error {
		runner, err := p.dialer.DialPassword(ctx, req.Remote, req.Password, id.BootstrapHostKeyCallback())
		if err != nil {
			dialFailed = true
			return err
		}
		defer runner.Close()
		dialFailed = false

		if err := remote.EnsureKeyStorage(ctx, runner); err != nil {
			return err
		}
		return remote.AppendAuthorizedKey(ctx, runner, keyLine)
	})
	if err == nil {
		return nil
	}

	if dialFailed {
		return &UnreachableRemoteError{
			Identity: id.Name,
			Endpoint: req.Remote,
			Attempts: p.policy.MaxAttempts,
			Err:      err,
		}
	}
	return fmt.Errorf("installing key for identity %q on %s: %w", id.Name, req.Remote, err)
}

// verify opens a second session authenticated by the new private key only
// and requires the identity sentinel to be echoed back. Not retried: a
// failure here signals remote policy, which retrying cannot fix.
func (p *Provisioner) verify(ctx context.Context, id *identity.Identity, endpoint remote.Endpoint) error {
	signer, err := id.Signer()
	if err != nil {
		return err
	}

	runner, err := p.dialer.DialKey(ctx, endpoint, signer, id.HostKeyCallback())
	if err != nil {
		return &VerificationFailedError{Identity: id.Name, Endpoint: endpoint, Err: err}
	}
	defer runner.Close()

	if err := remote.VerifySentinel(ctx, runner, id.Sentinel()); err != nil {
		return &VerificationFailedError{Identity: id.Name, Endpoint: endpoint, Err: err}
	}

	p.logger.Info("key-only login verified",
		logz.Identity(id.Name),
		logz.RemoteEndpoint(endpoint.String()),
	)
	return nil
}

// IsRetryable reports whether a provisioning error could be healed by
// running again later (connectivity) as opposed to fixing configuration.
func IsRetryable(err error) bool {
	var unreachable *UnreachableRemoteError
	return errors.As(err, &unreachable)
}
