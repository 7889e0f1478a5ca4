// Test fixtures for the remote session contract. They live in the
// production package rather than a _test.go file because the provisioner's
// and supervisor's tests drive them too; nothing outside tests should
// construct them.

package remote

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// MockHost emulates the remote side of the session contract: a key-storage
// directory and an authorized-key list mutated only by the fixed command
// set this package emits. Used by tests here and in the provisioner.
type MockHost struct {
	mu             sync.Mutex
	Prepared       bool
	AuthorizedKeys []string
}

var (
	mockAppendRE = regexp.MustCompile(`^grep -qxF '(.*)' ~/\.ssh/authorized_keys \|\| echo '(.*)' >> ~/\.ssh/authorized_keys$`)
	mockEchoRE   = regexp.MustCompile(`^echo '(.*)'$`)
)

func (h *MockHost) run(command string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case command == prepareCommands[0] || command == prepareCommands[1]:
		h.Prepared = true
		return "", nil
	}

	if m := mockAppendRE.FindStringSubmatch(command); m != nil {
		line := m[1]
		for _, existing := range h.AuthorizedKeys {
			if existing == line {
				return "", nil
			}
		}
		h.AuthorizedKeys = append(h.AuthorizedKeys, line)
		return "", nil
	}

	if m := mockEchoRE.FindStringSubmatch(command); m != nil {
		return m[1] + "\n", nil
	}

	return "", fmt.Errorf("mock host: unrecognized command %q", command)
}

// KeyLineCount returns how many times the exact line occurs in the
// authorized-key list.
func (h *MockHost) KeyLineCount(line string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := 0
	for _, existing := range h.AuthorizedKeys {
		if existing == line {
			count++
		}
	}
	return count
}

// Authorizes reports whether the signer's public key is installed.
func (h *MockHost) Authorizes(signer ssh.Signer) bool {
	marshalled := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, existing := range h.AuthorizedKeys {
		if existing == marshalled || strings.HasPrefix(existing, marshalled+" ") {
			return true
		}
	}
	return false
}

type MockRunner struct {
	Host   *MockHost
	RunErr error
	Output string // overrides the host's output when non-empty
	Closed bool
}

func (r *MockRunner) Run(_ context.Context, command string) (string, error) {
	if r.RunErr != nil {
		return "", r.RunErr
	}
	if r.Output != "" {
		return r.Output, nil
	}
	return r.Host.run(command)
}

func (r *MockRunner) Close() error {
	r.Closed = true
	return nil
}

// MockDialer implements Dialer against a MockHost. Password sessions check
// the configured password; key sessions check that the presented key is
// actually installed on the host, unless KeyAuthErr forces a policy-style
// failure.
type MockDialer struct {
	Host     *MockHost
	Password string

	DialErr    error // fails every dial, e.g. unreachable network
	KeyAuthErr error // fails key dials even when the key is installed
	KeyRunner  Runner

	PasswordDials int
	KeyDials      int
}

func (d *MockDialer) DialPassword(_ context.Context, endpoint Endpoint, password string, _ ssh.HostKeyCallback) (Runner, error) {
	d.PasswordDials++
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if password != d.Password {
		return nil, fmt.Errorf("mock host: permission denied for %s", endpoint)
	}
	return &MockRunner{Host: d.Host}, nil
}

func (d *MockDialer) DialKey(_ context.Context, endpoint Endpoint, signer ssh.Signer, _ ssh.HostKeyCallback) (Runner, error) {
	d.KeyDials++
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.KeyAuthErr != nil {
		return nil, d.KeyAuthErr
	}
	if !d.Host.Authorizes(signer) {
		return nil, fmt.Errorf("mock host: publickey rejected for %s", endpoint)
	}
	if d.KeyRunner != nil {
		return d.KeyRunner, nil
	}
	return &MockRunner{Host: d.Host}, nil
}
