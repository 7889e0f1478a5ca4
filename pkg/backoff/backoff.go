// Package backoff holds the single retry policy shared by every
// network-crossing operation in this program, so retry semantics are
// configured and tested in one place.
package backoff

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"

	"gitlab.com/netops-rnd/tunnelkeeper/internal/logz"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 8 * time.Second
)

// Policy describes a bounded exponential backoff. The zero value is usable
// and falls back to the package defaults.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	return p
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }

func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err so Retry gives up immediately instead of attempting again.
// Configuration and policy errors are marked fatal; connectivity errors are
// not.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Retry runs fn until it succeeds, returns a fatal error, the attempt cap is
// reached, or ctx is cancelled. The error returned after exhaustion is the
// last error fn produced, not a wrapper.
func (p Policy) Retry(ctx context.Context, logger *zap.Logger, what string, fn func() error) error {
	p = p.withDefaults()

	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return IsFatal(err)
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Warn("operation failed, will retry",
				zap.String("operation", what),
				logz.Attempt(attempt),
				logz.Error(lastError),
			)
		},
		Attempts:    p.MaxAttempts,
		Delay:       p.BaseDelay,
		MaxDelay:    p.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clock.WallClock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}

	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		err = retry.LastError(err)
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return fe.err
	}
	return err
}
