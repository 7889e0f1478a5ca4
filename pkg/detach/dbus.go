package detach

import (
	"context"

	"github.com/coreos/go-systemd/v22/dbus"
)

// DBusAPI is the slice of the systemd manager API this package depends on.
// Tests substitute a stub; production uses the real system bus.
type DBusAPI interface {
	ListUnitsByNames(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	StartUnit(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnit(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnit(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	ResetFailedUnit(ctx context.Context, name string) error
	EnableUnitFiles(ctx context.Context, files []string, runtime, force bool) (bool, []dbus.EnableUnitFileChange, error)
	Reload(ctx context.Context) error
	Close()
}

// DBusAPIFactory connects to the supervisor. Connection failure is how the
// caller learns the supervisor is unavailable and falls back to running in
// the foreground.
type DBusAPIFactory func(ctx context.Context) (DBusAPI, error)

// NewDBusAPI connects to the system bus.
func NewDBusAPI(ctx context.Context) (DBusAPI, error) {
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return &systemBus{conn: conn}, nil
}

type systemBus struct {
	conn *dbus.Conn
}

func (b *systemBus) ListUnitsByNames(ctx context.Context, units []string) ([]dbus.UnitStatus, error) {
	return b.conn.ListUnitsByNamesContext(ctx, units)
}

func (b *systemBus) StartUnit(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	return b.conn.StartUnitContext(ctx, name, mode, ch)
}

func (b *systemBus) StopUnit(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	return b.conn.StopUnitContext(ctx, name, mode, ch)
}

func (b *systemBus) RestartUnit(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	return b.conn.RestartUnitContext(ctx, name, mode, ch)
}

func (b *systemBus) ResetFailedUnit(ctx context.Context, name string) error {
	return b.conn.ResetFailedUnitContext(ctx, name)
}

func (b *systemBus) EnableUnitFiles(ctx context.Context, files []string, runtime, force bool) (bool, []dbus.EnableUnitFileChange, error) {
	return b.conn.EnableUnitFilesContext(ctx, files, runtime, force)
}

func (b *systemBus) Reload(ctx context.Context) error {
	return b.conn.ReloadContext(ctx)
}

func (b *systemBus) Close() {
	b.conn.Close()
}
