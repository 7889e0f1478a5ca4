// Package identity owns the on-disk artifacts of one named trust
// relationship: the keypair, the per-identity known-hosts cache, and the
// authorized marker. Everything is namespaced under a per-identity
// directory so that operations on one identity cannot touch another's
// state.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"go.uber.org/zap"

	"gitlab.com/netops-rnd/tunnelkeeper/internal/logz"
)

var nameRE = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

var ErrInvalidName = errors.New("invalid identity name")

type Store struct {
	root   string
	logger *zap.Logger
}

func NewStore(root string, logger *zap.Logger) *Store {
	return &Store{
		root:   root,
		logger: logger,
	}
}

// Identity returns a handle for the named identity. The name is validated
// strictly; anything that could escape the identity's directory is
// rejected.
func (s *Store) Identity(name string) (*Identity, error) {
	if !nameRE.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return &Identity{
		Name:   name,
		dir:    filepath.Join(s.root, name),
		logger: s.logger,
	}, nil
}

// Reset deletes the named identity's key files, known-hosts cache, and
// authorized marker. It never touches any other identity's directory, and a
// missing identity is not an error.
func (s *Store) Reset(name string) error {
	id, err := s.Identity(name)
	if err != nil {
		return err
	}

	for _, path := range []string{
		id.PrivateKeyPath(),
		id.PublicKeyPath(),
		id.KnownHostsPath(),
		id.authorizedPath(),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("resetting identity %q: %w", name, err)
		}
	}

	s.logger.Info("identity reset", logz.Identity(name), logz.Path(id.dir))
	return nil
}

type Identity struct {
	Name string

	dir    string
	logger *zap.Logger
}

func (id *Identity) Dir() string {
	return id.dir
}

func (id *Identity) PrivateKeyPath() string {
	return filepath.Join(id.dir, "id_ed25519")
}

func (id *Identity) PublicKeyPath() string {
	return filepath.Join(id.dir, "id_ed25519.pub")
}

func (id *Identity) KnownHostsPath() string {
	return filepath.Join(id.dir, "known_hosts")
}

func (id *Identity) authorizedPath() string {
	return filepath.Join(id.dir, "authorized")
}

// HasKey reports whether a private key exists for this identity.
func (id *Identity) HasKey() bool {
	_, err := os.Stat(id.PrivateKeyPath())
	return err == nil
}

// Sentinel is the value the remote must echo during key-only verification.
func (id *Identity) Sentinel() string {
	return "KEY_OK_FROM_" + id.Name
}

// MarkAuthorized records that a key-only login against the remote
// succeeded.
func (id *Identity) MarkAuthorized() error {
	if err := os.WriteFile(id.authorizedPath(), []byte(id.Sentinel()+"\n"), 0o600); err != nil {
		return fmt.Errorf("marking identity %q authorized: %w", id.Name, err)
	}
	return nil
}

// Authorized reports whether a key-only login test ever succeeded for this
// identity.
func (id *Identity) Authorized() bool {
	_, err := os.Stat(id.authorizedPath())
	return err == nil
}
