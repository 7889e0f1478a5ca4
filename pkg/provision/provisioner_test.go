package provision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/netops-rnd/tunnelkeeper/pkg/backoff"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/identity"
	"gitlab.com/netops-rnd/tunnelkeeper/pkg/remote"
)

var testEndpoint = remote.Endpoint{Host: "bastion.example.com", Port: 22, User: "deploy"}

func fastPolicy() backoff.Policy {
	return backoff.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func testProvisioner(t *testing.T, dialer remote.Dialer) (*Provisioner, *identity.Store) {
	t.Helper()
	store := identity.NewStore(t.TempDir(), zaptest.NewLogger(t))
	return New(store, dialer, fastPolicy(), zaptest.NewLogger(t)), store
}

func TestProvisionSucceedsAndVerifiesSentinel(t *testing.T) {
	host := &remote.MockHost{}
	dialer := &remote.MockDialer{Host: host, Password: "hunter2"}
	p, store := testProvisioner(t, dialer)

	id, err := p.Provision(context.Background(), Request{
		Identity: "edge-01",
		Remote:   testEndpoint,
		Password: "hunter2",
	})
	require.NoError(t, err)
	require.Equal(t, "edge-01", id.Name)
	require.Equal(t, "KEY_OK_FROM_edge-01", id.Sentinel())
	require.True(t, host.Prepared)
	require.True(t, id.Authorized())

	keyLine, err := id.PublicKeyLine()
	require.NoError(t, err)
	require.Equal(t, 1, host.KeyLineCount(keyLine))

	// The identity handle loaded fresh from the store agrees.
	reloaded, err := store.Identity("edge-01")
	require.NoError(t, err)
	require.True(t, reloaded.Authorized())
}

func TestProvisionTwiceLeavesOneKeyLinePerRun(t *testing.T) {
	host := &remote.MockHost{}
	dialer := &remote.MockDialer{Host: host, Password: "hunter2"}
	p, _ := testProvisioner(t, dialer)

	req := Request{Identity: "edge-01", Remote: testEndpoint, Password: "hunter2"}

	first, err := p.Provision(context.Background(), req)
	require.NoError(t, err)
	firstLine, err := first.PublicKeyLine()
	require.NoError(t, err)

	second, err := p.Provision(context.Background(), req)
	require.NoError(t, err)
	secondLine, err := second.PublicKeyLine()
	require.NoError(t, err)

	// Each run installs its own fresh key; neither line is duplicated.
	require.NotEqual(t, firstLine, secondLine)
	require.Equal(t, 1, host.KeyLineCount(firstLine))
	require.Equal(t, 1, host.KeyLineCount(secondLine))
}

func TestProvisionEmptyPasswordFailsBeforeAnyNetworkCall(t *testing.T) {
	dialer := &remote.MockDialer{Host: &remote.MockHost{}, Password: "hunter2"}
	p, _ := testProvisioner(t, dialer)

	_, err := p.Provision(context.Background(), Request{
		Identity: "edge-01",
		Remote:   testEndpoint,
	})

	var missing *MissingCredentialError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "edge-01", missing.Identity)
	require.Zero(t, dialer.PasswordDials)
	require.Zero(t, dialer.KeyDials)
}

func TestProvisionRetriesUnreachableRemoteThenGivesUp(t *testing.T) {
	dialer := &remote.MockDialer{
		Host:     &remote.MockHost{},
		Password: "hunter2",
		DialErr:  errors.New("connect: connection refused"),
	}
	p, _ := testProvisioner(t, dialer)

	_, err := p.Provision(context.Background(), Request{
		Identity: "edge-01",
		Remote:   testEndpoint,
		Password: "hunter2",
	})

	var unreachable *UnreachableRemoteError
	require.ErrorAs(t, err, &unreachable)
	require.Equal(t, 3, dialer.PasswordDials)
	require.Equal(t, 3, unreachable.Attempts)
	require.True(t, IsRetryable(err))
	require.Contains(t, err.Error(), "edge-01")
	require.Contains(t, err.Error(), testEndpoint.String())
}

func TestProvisionVerificationFailureDominatesSuccessfulInstall(t *testing.T) {
	host := &remote.MockHost{}
	dialer := &remote.MockDialer{
		Host:       host,
		Password:   "hunter2",
		KeyAuthErr: errors.New("publickey auth disabled by server policy"),
	}
	p, store := testProvisioner(t, dialer)

	_, err := p.Provision(context.Background(), Request{
		Identity: "edge-01",
		Remote:   testEndpoint,
		Password: "hunter2",
	})

	// The append on the remote succeeded, yet the run must fail.
	require.NotEmpty(t, host.AuthorizedKeys)
	var verification *VerificationFailedError
	require.ErrorAs(t, err, &verification)
	require.False(t, IsRetryable(err))
	require.Equal(t, 1, dialer.KeyDials)

	id, idErr := store.Identity("edge-01")
	require.NoError(t, idErr)
	require.False(t, id.Authorized())
}

func TestProvisionWrongSentinelIsVerificationFailure(t *testing.T) {
	host := &remote.MockHost{}
	dialer := &remote.MockDialer{
		Host:      host,
		Password:  "hunter2",
		KeyRunner: &remote.MockRunner{Host: host, Output: "unexpected banner\n"},
	}
	p, _ := testProvisioner(t, dialer)

	_, err := p.Provision(context.Background(), Request{
		Identity: "edge-01",
		Remote:   testEndpoint,
		Password: "hunter2",
	})

	var verification *VerificationFailedError
	require.ErrorAs(t, err, &verification)
}

func TestProvisionResetDoesNotTouchOtherIdentities(t *testing.T) {
	host := &remote.MockHost{}
	dialer := &remote.MockDialer{Host: host, Password: "hunter2"}
	p, store := testProvisioner(t, dialer)

	_, err := p.Provision(context.Background(), Request{
		Identity: "edge-01", Remote: testEndpoint, Password: "hunter2",
	})
	require.NoError(t, err)
	_, err = p.Provision(context.Background(), Request{
		Identity: "edge-02", Remote: testEndpoint, Password: "hunter2",
	})
	require.NoError(t, err)

	other, err := store.Identity("edge-02")
	require.NoError(t, err)
	otherLine, err := other.PublicKeyLine()
	require.NoError(t, err)

	_, err = p.Provision(context.Background(), Request{
		Identity: "edge-01", Remote: testEndpoint, Password: "hunter2", Reset: true,
	})
	require.NoError(t, err)

	// edge-02's local artifacts and installed remote key are intact.
	require.True(t, other.HasKey())
	require.True(t, other.Authorized())
	require.Equal(t, 1, host.KeyLineCount(otherLine))
}

func TestProvisionWrongPasswordIsUnreachable(t *testing.T) {
	dialer := &remote.MockDialer{Host: &remote.MockHost{}, Password: "hunter2"}
	p, _ := testProvisioner(t, dialer)

	_, err := p.Provision(context.Background(), Request{
		Identity: "edge-01",
		Remote:   testEndpoint,
		Password: "wrong",
	})

	var unreachable *UnreachableRemoteError
	require.ErrorAs(t, err, &unreachable)
}
