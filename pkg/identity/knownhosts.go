package identity

import (
	"errors"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"gitlab.com/netops-rnd/tunnelkeeper/internal/logz"
)

// RecordHostKey appends the remote's host key to this identity's private
// known-hosts cache. The cache is never shared with other identities or
// with the user's global known_hosts.
func (id *Identity) RecordHostKey(hostname string, key ssh.PublicKey) error {
	if err := os.MkdirAll(id.dir, 0o700); err != nil {
		return fmt.Errorf("creating directory for identity %q: %w", id.Name, err)
	}

	f, err := os.OpenFile(id.KnownHostsPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening known-hosts cache for identity %q (%s): %w", id.Name, id.KnownHostsPath(), err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("recording host key for identity %q: %w", id.Name, err)
	}

	id.logger.Info("recorded remote host key",
		logz.Identity(id.Name),
		logz.RemoteAddr(hostname),
		zap.String("fingerprint", ssh.FingerprintSHA256(key)),
	)
	return nil
}

// HostKeyCallback returns a strict callback that only accepts host keys
// already present in this identity's cache. Used for key-only sessions,
// where an unknown host is a failure, never a prompt. The cache is loaded
// at handshake time, so a cache written moments earlier by the bootstrap
// session is honoured.
func (id *Identity) HostKeyCallback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		cb, err := knownhosts.New(id.KnownHostsPath())
		if err != nil {
			return fmt.Errorf("loading known-hosts cache for identity %q (%s): %w", id.Name, id.KnownHostsPath(), err)
		}
		return cb(hostname, remote, key)
	}
}

// BootstrapHostKeyCallback returns a trust-on-first-use callback for the
// password-authenticated bootstrap session: a host not yet in the cache is
// recorded and accepted; a host whose key changed is rejected.
func (id *Identity) BootstrapHostKeyCallback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		cb, err := knownhosts.New(id.KnownHostsPath())
		if err != nil {
			if os.IsNotExist(err) {
				return id.RecordHostKey(hostname, key)
			}
			return fmt.Errorf("loading known-hosts cache for identity %q: %w", id.Name, err)
		}

		err = cb(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			// Host never seen by this identity before.
			return id.RecordHostKey(hostname, key)
		}
		return err
	}
}
