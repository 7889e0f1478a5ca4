package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"gitlab.com/netops-rnd/tunnelkeeper/internal/logz"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultCommandTimeout = 30 * time.Second

	tcpKeepalivePeriod = 10 * time.Second
)

// SSHDialer dials real SSH sessions with explicit connect and per-command
// timeouts. A stalled peer can never block a caller indefinitely.
type SSHDialer struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	logger *zap.Logger
}

func NewDialer(logger *zap.Logger) *SSHDialer {
	return &SSHDialer{
		ConnectTimeout: DefaultConnectTimeout,
		CommandTimeout: DefaultCommandTimeout,
		logger:         logger,
	}
}

// DialPassword opens a bootstrap session. Only password and
// keyboard-interactive authentication are offered; a stale public key can
// never make this step silently succeed.
func (d *SSHDialer) DialPassword(ctx context.Context, endpoint Endpoint, password string, hostKey ssh.HostKeyCallback) (Runner, error) {
	cfg := &ssh.ClientConfig{
		User: endpoint.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKey,
		Timeout:         d.ConnectTimeout,
	}
	client, err := d.dial(ctx, endpoint, cfg)
	if err != nil {
		return nil, err
	}
	return d.newRunner(client, endpoint), nil
}

// DialKey opens a verification session authenticated by the private key
// only. Password and interactive methods are not offered, so success proves
// the installed key works.
func (d *SSHDialer) DialKey(ctx context.Context, endpoint Endpoint, signer ssh.Signer, hostKey ssh.HostKeyCallback) (Runner, error) {
	client, err := d.DialKeyClient(ctx, endpoint, signer, hostKey)
	if err != nil {
		return nil, err
	}
	return d.newRunner(client, endpoint), nil
}

// DialKeyClient is DialKey exposed at the ssh.Client level for callers that
// need forwarding channels rather than command execution.
func (d *SSHDialer) DialKeyClient(ctx context.Context, endpoint Endpoint, signer ssh.Signer, hostKey ssh.HostKeyCallback) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User: endpoint.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: hostKey,
		Timeout:         d.ConnectTimeout,
	}
	return d.dial(ctx, endpoint, cfg)
}

func (d *SSHDialer) dial(ctx context.Context, endpoint Endpoint, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: d.ConnectTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", endpoint.Addr())
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", endpoint, err)
	}

	if tc, ok := tcpConn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(tcpKeepalivePeriod)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, endpoint.Addr(), cfg)
	if err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", endpoint, err)
	}

	d.logger.Debug("ssh session established", logz.RemoteEndpoint(endpoint.String()))
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (d *SSHDialer) newRunner(client *ssh.Client, endpoint Endpoint) Runner {
	return &sshRunner{
		client:   client,
		endpoint: endpoint,
		timeout:  d.CommandTimeout,
		logger:   d.logger,
	}
}

type sshRunner struct {
	client   *ssh.Client
	endpoint Endpoint
	timeout  time.Duration
	logger   *zap.Logger
}

func (r *sshRunner) Run(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	session, err := r.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening session to %s: %w", r.endpoint, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		// Closing the session unblocks the Run goroutine.
		session.Close()
		return "", fmt.Errorf("command on %s timed out: %w", r.endpoint, ctx.Err())
	}

	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return stdout.String(), fmt.Errorf("command on %s failed: %w (%s)", r.endpoint, err, msg)
		}
		return stdout.String(), fmt.Errorf("command on %s failed: %w", r.endpoint, err)
	}
	return stdout.String(), nil
}

func (r *sshRunner) Close() error {
	return r.client.Close()
}
