package provision

import (
	"fmt"

	"gitlab.com/netops-rnd/tunnelkeeper/pkg/remote"
)

// MissingCredentialError is returned when no password is supplied.
// Provisioning is a non-interactive path; it never prompts, so an empty
// password is fatal before any network call is made.
type MissingCredentialError struct {
	Identity string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("missing credential: no password supplied for identity %q", e.Identity)
}

// UnreachableRemoteError is returned when the bootstrap session could not
// be established or sustained after the configured retry budget.
type UnreachableRemoteError struct {
	Identity string
	Endpoint remote.Endpoint
	Attempts int
	Err      error
}

func (e *UnreachableRemoteError) Error() string {
	return fmt.Sprintf("unreachable remote: %s for identity %q after %d attempts: %v",
		e.Endpoint, e.Identity, e.Attempts, e.Err)
}

func (e *UnreachableRemoteError) Unwrap() error { return e.Err }

// VerificationFailedError is returned when the key was installed but a
// key-only login did not produce the sentinel. This is a remote policy or
// configuration problem, distinct from connectivity, and is never retried.
type VerificationFailedError struct {
	Identity string
	Endpoint remote.Endpoint
	Err      error
}

func (e *VerificationFailedError) Error() string {
	return fmt.Sprintf("verification failed: key-only login to %s did not succeed for identity %q: %v",
		e.Endpoint, e.Identity, e.Err)
}

func (e *VerificationFailedError) Unwrap() error { return e.Err }
