// Package detach guarantees long-running work outlives the invoking
// session: it materializes the running program to a stable on-disk
// location and hands the work to a process supervisor under a stable,
// identity-derived unit name. An existing unit with that name is replaced,
// never duplicated.
package detach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"gitlab.com/netops-rnd/tunnelkeeper/internal/logz"
)

const (
	DefaultUnitDir    = "/etc/systemd/system"
	DefaultInstallDir = "/usr/local/lib/tunnelkeeper"
)

// ErrSupervisorUnavailable signals that no supervisor can take the work.
// Callers fall back to running the work synchronously in the foreground
// rather than dropping it.
var ErrSupervisorUnavailable = errors.New("process supervisor unavailable")

// Handle describes successfully detached work.
type Handle struct {
	Unit     string
	UnitPath string
}

type Manager struct {
	UnitDir    string
	InstallDir string

	newDBus DBusAPIFactory
	logger  *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		UnitDir:    DefaultUnitDir,
		InstallDir: DefaultInstallDir,
		newDBus:    NewDBusAPI,
		logger:     logger,
	}
}

// Materialize persists a complete executable copy of the program at
// execPath to a stable location and returns the stable path. The running
// image is an explicit input: the caller says what to persist rather than
// this package re-detecting it from ambient process state.
func (m *Manager) Materialize(execPath string) (string, error) {
	src, err := os.Open(execPath)
	if err != nil {
		return "", fmt.Errorf("opening program image %s: %w", execPath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(m.InstallDir, 0o755); err != nil {
		return "", fmt.Errorf("creating install directory %s: %w", m.InstallDir, err)
	}

	stable := filepath.Join(m.InstallDir, "tunnelkeeper")
	tmp, err := os.CreateTemp(m.InstallDir, "tunnelkeeper.*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp image in %s: %w", m.InstallDir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return "", fmt.Errorf("copying program image to %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		return "", fmt.Errorf("marking program image executable: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing program image %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, stable); err != nil {
		return "", fmt.Errorf("installing program image at %s: %w", stable, err)
	}

	m.logger.Info("program image materialized", logz.Path(stable))
	return stable, nil
}

// RunDetached installs and starts the spec under the supervisor. If a unit
// with the same name already exists it is stopped and its failure state
// cleared first, so exactly one instance runs afterwards. After a
// successful handoff the caller's exit does not affect the spawned work.
func (m *Manager) RunDetached(ctx context.Context, spec Spec) (*Handle, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	spec = spec.withDefaults()

	conn, err := m.newDBus(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSupervisorUnavailable, err)
	}
	defer conn.Close()

	unit := UnitName(spec.ServiceName)

	if err := m.replaceExisting(ctx, conn, unit); err != nil {
		return nil, err
	}

	unitPath := filepath.Join(m.UnitDir, unit)
	if err := os.MkdirAll(m.UnitDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating unit directory %s: %w", m.UnitDir, err)
	}
	if err := os.WriteFile(unitPath, renderUnit(spec), 0o644); err != nil {
		return nil, fmt.Errorf("writing unit file %s: %w", unitPath, err)
	}

	if err := conn.Reload(ctx); err != nil {
		return nil, fmt.Errorf("reloading supervisor after writing %s: %w", unitPath, err)
	}
	if _, _, err := conn.EnableUnitFiles(ctx, []string{unitPath}, false, true); err != nil {
		return nil, fmt.Errorf("enabling unit %s: %w", unit, err)
	}

	statusCh := make(chan string, 1)
	if _, err := conn.StartUnit(ctx, unit, "replace", statusCh); err != nil {
		return nil, fmt.Errorf("starting unit %s: %w", unit, err)
	}
	if err := waitJob(ctx, "start", unit, statusCh); err != nil {
		return nil, err
	}

	m.logger.Info("work handed off to supervisor",
		logz.Service(spec.ServiceName),
		logz.Unit(unit),
		logz.Path(unitPath),
	)
	return &Handle{Unit: unit, UnitPath: unitPath}, nil
}

// replaceExisting stops a loaded unit of the same name and clears its
// failure state. A missing unit is the common case and not an error.
func (m *Manager) replaceExisting(ctx context.Context, conn DBusAPI, unit string) error {
	statuses, err := conn.ListUnitsByNames(ctx, []string{unit})
	if err != nil {
		return fmt.Errorf("querying unit %s: %w", unit, err)
	}

	for _, status := range statuses {
		if status.Name != unit || status.LoadState == "not-found" {
			continue
		}
		if status.ActiveState == "active" || status.ActiveState == "activating" {
			m.logger.Info("stopping existing unit before replacement", logz.Unit(unit))
			statusCh := make(chan string, 1)
			if _, err := conn.StopUnit(ctx, unit, "replace", statusCh); err != nil {
				return fmt.Errorf("stopping existing unit %s: %w", unit, err)
			}
			if err := waitJob(ctx, "stop", unit, statusCh); err != nil {
				return err
			}
		}
		if status.ActiveState == "failed" {
			if err := conn.ResetFailedUnit(ctx, unit); err != nil {
				return fmt.Errorf("clearing failure state of unit %s: %w", unit, err)
			}
		}
	}
	return nil
}

// Restart asks the supervisor to restart an already-installed unit.
func (m *Manager) Restart(ctx context.Context, serviceName string) error {
	conn, err := m.newDBus(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSupervisorUnavailable, err)
	}
	defer conn.Close()

	unit := UnitName(serviceName)
	statusCh := make(chan string, 1)
	if _, err := conn.RestartUnit(ctx, unit, "replace", statusCh); err != nil {
		return fmt.Errorf("restarting unit %s: %w", unit, err)
	}
	return waitJob(ctx, "restart", unit, statusCh)
}

func waitJob(ctx context.Context, op, unit string, statusCh <-chan string) error {
	select {
	case status := <-statusCh:
		if status != "done" {
			return fmt.Errorf("supervisor %s of unit %s finished with status %q", op, unit, status)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for supervisor %s of unit %s: %w", op, unit, ctx.Err())
	}
}
