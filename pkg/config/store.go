package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"gitlab.com/netops-rnd/tunnelkeeper/internal/logz"
)

var ErrNotFound = errors.New("tunnel config not found")

// Store persists one TunnelConfig per service as a yaml file. Every write
// replaces the whole record atomically (write to a temp file in the same
// directory, then rename), so a reader never observes a half-written record.
type Store struct {
	mu     sync.Mutex
	dir    string
	logger *zap.Logger
}

func NewStore(dir string, logger *zap.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger,
	}
}

func (s *Store) path(serviceName string) string {
	return filepath.Join(s.dir, serviceName+".yaml")
}

// Path returns the on-disk location of a service's record.
func (s *Store) Path(serviceName string) string {
	return s.path(serviceName)
}

func (s *Store) Load(serviceName string) (*TunnelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(serviceName)
}

func (s *Store) loadLocked(serviceName string) (*TunnelConfig, error) {
	data, err := os.ReadFile(s.path(serviceName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: service %q (%s)", ErrNotFound, serviceName, s.path(serviceName))
		}
		return nil, fmt.Errorf("reading tunnel config for %q: %w", serviceName, err)
	}

	var cfg TunnelConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing tunnel config for %q: %w", serviceName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Store) Save(cfg *TunnelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(cfg)
}

func (s *Store) saveLocked(cfg *TunnelConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating tunnel config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling tunnel config for %q: %w", cfg.ServiceName, err)
	}

	tmp, err := os.CreateTemp(s.dir, cfg.ServiceName+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %q: %w", cfg.ServiceName, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing tunnel config for %q: %w", cfg.ServiceName, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting permissions on tunnel config for %q: %w", cfg.ServiceName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing tunnel config for %q: %w", cfg.ServiceName, err)
	}

	if err := os.Rename(tmpName, s.path(cfg.ServiceName)); err != nil {
		return fmt.Errorf("replacing tunnel config for %q: %w", cfg.ServiceName, err)
	}

	s.logger.Info("tunnel config saved",
		logz.Service(cfg.ServiceName),
		logz.Path(s.path(cfg.ServiceName)),
	)
	return nil
}

// SetViaHost rewrites the via.host field of one record under the store lock
// and returns the updated record.
func (s *Store) SetViaHost(serviceName, host string) (*TunnelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.loadLocked(serviceName)
	if err != nil {
		return nil, err
	}
	cfg.Via.Host = host
	if err := s.saveLocked(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
