package detach

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubDBusAPI struct {
	calls []string
	units []dbus.UnitStatus

	listErr  error
	startErr error
	jobState string
}

func (s *stubDBusAPI) record(call string) {
	s.calls = append(s.calls, call)
}

func (s *stubDBusAPI) jobResult(ch chan<- string) {
	state := s.jobState
	if state == "" {
		state = "done"
	}
	ch <- state
}

func (s *stubDBusAPI) ListUnitsByNames(_ context.Context, _ []string) ([]dbus.UnitStatus, error) {
	s.record("ListUnitsByNames")
	return s.units, s.listErr
}

func (s *stubDBusAPI) StartUnit(_ context.Context, name, mode string, ch chan<- string) (int, error) {
	s.record("StartUnit " + name + " " + mode)
	if s.startErr != nil {
		return 0, s.startErr
	}
	s.jobResult(ch)
	return 1, nil
}

func (s *stubDBusAPI) StopUnit(_ context.Context, name, mode string, ch chan<- string) (int, error) {
	s.record("StopUnit " + name + " " + mode)
	s.jobResult(ch)
	return 1, nil
}

func (s *stubDBusAPI) RestartUnit(_ context.Context, name, mode string, ch chan<- string) (int, error) {
	s.record("RestartUnit " + name + " " + mode)
	s.jobResult(ch)
	return 1, nil
}

func (s *stubDBusAPI) ResetFailedUnit(_ context.Context, name string) error {
	s.record("ResetFailedUnit " + name)
	return nil
}

func (s *stubDBusAPI) EnableUnitFiles(_ context.Context, files []string, _, _ bool) (bool, []dbus.EnableUnitFileChange, error) {
	s.record("EnableUnitFiles " + files[0])
	return true, nil, nil
}

func (s *stubDBusAPI) Reload(_ context.Context) error {
	s.record("Reload")
	return nil
}

func (s *stubDBusAPI) Close() {
	s.record("Close")
}

func testManager(t *testing.T, stub *stubDBusAPI) *Manager {
	t.Helper()
	m := NewManager(zaptest.NewLogger(t))
	m.UnitDir = t.TempDir()
	m.InstallDir = t.TempDir()
	m.newDBus = func(_ context.Context) (DBusAPI, error) {
		return stub, nil
	}
	return m
}

func testSpec() Spec {
	return Spec{
		ServiceName: "svc1",
		ExecStart:   []string{"/usr/local/lib/tunnelkeeper/tunnelkeeper", "tunnel", "--service", "svc1"},
		Environment: map[string]string{"TUNNELKEEPER_STATE_DIR": "/var/lib/tunnelkeeper"},
	}
}

func TestRunDetachedInstallsAndStartsUnit(t *testing.T) {
	stub := &stubDBusAPI{}
	m := testManager(t, stub)

	handle, err := m.RunDetached(context.Background(), testSpec())
	require.NoError(t, err)
	require.Equal(t, "tunnelkeeper-svc1.service", handle.Unit)

	data, err := os.ReadFile(handle.UnitPath)
	require.NoError(t, err)
	unit := string(data)
	require.Contains(t, unit, "Restart=always\n")
	require.Contains(t, unit, "RestartSec=3\n")
	require.Contains(t, unit, "StartLimitBurst=5\n")
	require.Contains(t, unit, "ExecStart=/usr/local/lib/tunnelkeeper/tunnelkeeper tunnel --service svc1\n")
	require.Contains(t, unit, `Environment="TUNNELKEEPER_STATE_DIR=/var/lib/tunnelkeeper"`)

	require.Equal(t, []string{
		"ListUnitsByNames",
		"Reload",
		"EnableUnitFiles " + handle.UnitPath,
		"StartUnit tunnelkeeper-svc1.service replace",
		"Close",
	}, stub.calls)
}

func TestRunDetachedReplacesRunningUnit(t *testing.T) {
	stub := &stubDBusAPI{
		units: []dbus.UnitStatus{{
			Name:        "tunnelkeeper-svc1.service",
			LoadState:   "loaded",
			ActiveState: "active",
		}},
	}
	m := testManager(t, stub)

	_, err := m.RunDetached(context.Background(), testSpec())
	require.NoError(t, err)

	// The old instance is stopped before the new one starts; exactly one
	// instance runs afterwards.
	require.Equal(t, []string{
		"ListUnitsByNames",
		"StopUnit tunnelkeeper-svc1.service replace",
		"Reload",
		"EnableUnitFiles " + filepath.Join(m.UnitDir, "tunnelkeeper-svc1.service"),
		"StartUnit tunnelkeeper-svc1.service replace",
		"Close",
	}, stub.calls)
}

func TestRunDetachedClearsFailedUnit(t *testing.T) {
	stub := &stubDBusAPI{
		units: []dbus.UnitStatus{{
			Name:        "tunnelkeeper-svc1.service",
			LoadState:   "loaded",
			ActiveState: "failed",
		}},
	}
	m := testManager(t, stub)

	_, err := m.RunDetached(context.Background(), testSpec())
	require.NoError(t, err)
	require.Contains(t, stub.calls, "ResetFailedUnit tunnelkeeper-svc1.service")
}

func TestRunDetachedSupervisorUnavailable(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.UnitDir = t.TempDir()
	m.newDBus = func(_ context.Context) (DBusAPI, error) {
		return nil, errors.New("dbus: connection refused")
	}

	_, err := m.RunDetached(context.Background(), testSpec())
	require.ErrorIs(t, err, ErrSupervisorUnavailable)
}

func TestRunDetachedFailedJobIsAnError(t *testing.T) {
	stub := &stubDBusAPI{jobState: "failed"}
	m := testManager(t, stub)

	_, err := m.RunDetached(context.Background(), testSpec())
	require.Error(t, err)
	require.Contains(t, err.Error(), `status "failed"`)
}

func TestRunDetachedValidatesSpec(t *testing.T) {
	stub := &stubDBusAPI{}
	m := testManager(t, stub)

	_, err := m.RunDetached(context.Background(), Spec{ServiceName: "svc1"})
	require.Error(t, err)
	require.Empty(t, stub.calls)
}

func TestRestartUsesStableUnitName(t *testing.T) {
	stub := &stubDBusAPI{}
	m := testManager(t, stub)

	require.NoError(t, m.Restart(context.Background(), "svc1"))
	require.Equal(t, []string{
		"RestartUnit tunnelkeeper-svc1.service replace",
		"Close",
	}, stub.calls)
}

func TestMaterializeCopiesExecutable(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.InstallDir = t.TempDir()

	src := filepath.Join(t.TempDir(), "image")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\necho fake binary\n"), 0o600))

	stable, err := m.Materialize(src)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(m.InstallDir, "tunnelkeeper"), stable)

	info, err := os.Stat(stable)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	data, err := os.ReadFile(stable)
	require.NoError(t, err)
	require.Contains(t, string(data), "fake binary")
}

func TestUnitRenderingWindows(t *testing.T) {
	spec := testSpec()
	spec.RestartDelay = 10 * time.Second
	spec.StartWindow = 2 * time.Minute
	spec.StartLimit = 7
	spec = spec.withDefaults()

	unit := string(renderUnit(spec))
	require.Contains(t, unit, "RestartSec=10\n")
	require.Contains(t, unit, "StartLimitIntervalSec=120\n")
	require.Contains(t, unit, "StartLimitBurst=7\n")
	require.Contains(t, unit, "SyslogIdentifier=tunnelkeeper-svc1\n")
	require.Contains(t, unit, "WantedBy=multi-user.target\n")
}
