// Package remote is the boundary to the remote host: it dials
// authenticated command-execution sessions and knows the small fixed set of
// idempotent commands provisioning runs over them. Callers see "run this
// line, get stdout and an exit status" and nothing else.
package remote

import (
	"context"
	"net"
	"strconv"

	"golang.org/x/crypto/ssh"
)

// Endpoint identifies the SSH endpoint of a remote host.
type Endpoint struct {
	Host string
	Port int
	User string
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.User + "@" + e.Addr()
}

// Runner executes commands over one established session.
type Runner interface {
	// Run executes a single command and returns its stdout. A non-zero
	// exit or transport failure is an error.
	Run(ctx context.Context, command string) (string, error)
	Close() error
}

// Dialer opens authenticated sessions. The two methods correspond to the
// two authentication contracts: bootstrap offers password and
// keyboard-interactive only, verification offers the public key only.
// Neither ever falls back to the other's methods.
type Dialer interface {
	DialPassword(ctx context.Context, endpoint Endpoint, password string, hostKey ssh.HostKeyCallback) (Runner, error)
	DialKey(ctx context.Context, endpoint Endpoint, signer ssh.Signer, hostKey ssh.HostKeyCallback) (Runner, error)
}
