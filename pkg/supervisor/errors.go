package supervisor

import (
	"fmt"
	"time"
)

// Reason classifies why a start attempt failed.
type Reason string

const (
	ReasonPortInUse          Reason = "port_in_use"
	ReasonUnreachable        Reason = "unreachable"
	ReasonKeyMissing         Reason = "key_missing"
	ReasonVerificationFailed Reason = "verification_failed"
)

// PreflightError is fatal for the current start attempt: the process exits
// non-zero and the external restart policy decides when to try again.
type PreflightError struct {
	Service string
	Reason  Reason
	Detail  string
	Err     error
}

func (e *PreflightError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("preflight %s for service %q: %s", e.Reason, e.Service, e.Detail)
	}
	return fmt.Sprintf("preflight %s for service %q: %s: %v", e.Reason, e.Service, e.Detail, e.Err)
}

func (e *PreflightError) Unwrap() error { return e.Err }

// CrashLoopError reports that the in-process restart loop hit its
// start-attempt cap. A configuration this broken is not retried further.
type CrashLoopError struct {
	Service string
	Starts  int
	Window  time.Duration
}

func (e *CrashLoopError) Error() string {
	return fmt.Sprintf("service %q restarted %d times within %s, giving up", e.Service, e.Starts, e.Window)
}
