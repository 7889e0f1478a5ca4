package remote

import (
	"context"
	"fmt"
	"strings"
)

// The remote key-storage layout is fixed: ~/.ssh owned by the login user
// with mode 700, authorized_keys with mode 600.
var prepareCommands = []string{
	"mkdir -p ~/.ssh && chmod 700 ~/.ssh",
	"touch ~/.ssh/authorized_keys && chmod 600 ~/.ssh/authorized_keys",
}

// EnsureKeyStorage makes the remote's key directory and authorized-key list
// exist with restrictive permissions. Safe to run any number of times.
func EnsureKeyStorage(ctx context.Context, runner Runner) error {
	for _, command := range prepareCommands {
		if _, err := runner.Run(ctx, command); err != nil {
			return fmt.Errorf("preparing remote key storage: %w", err)
		}
	}
	return nil
}

// AppendAuthorizedKey installs keyLine in the remote authorized-key list
// unless the exact line is already present. The match is whole-line
// equality, not a prefix or substring, and the mutation is append-only: the
// existing list is never rewritten or truncated. Running this twice with
// the same line leaves exactly one occurrence.
func AppendAuthorizedKey(ctx context.Context, runner Runner, keyLine string) error {
	keyLine = strings.TrimSpace(keyLine)
	if keyLine == "" || strings.ContainsAny(keyLine, "\r\n") {
		return fmt.Errorf("malformed authorized key line %q", keyLine)
	}
	if _, err := runner.Run(ctx, AppendKeyCommand(keyLine)); err != nil {
		return fmt.Errorf("installing authorized key: %w", err)
	}
	return nil
}

// AppendKeyCommand renders the check-before-append shell line. grep -qxF
// gives the exact-line match the idempotence contract requires.
func AppendKeyCommand(keyLine string) string {
	quoted := shellQuote(keyLine)
	return fmt.Sprintf("grep -qxF %s ~/.ssh/authorized_keys || echo %s >> ~/.ssh/authorized_keys", quoted, quoted)
}

// VerifySentinel runs the sentinel echo over an already-authenticated
// session and requires the output to match exactly. Any deviation is a
// verification failure.
func VerifySentinel(ctx context.Context, runner Runner, sentinel string) error {
	out, err := runner.Run(ctx, SentinelCommand(sentinel))
	if err != nil {
		return err
	}
	if strings.TrimRight(out, "\r\n") != sentinel {
		return fmt.Errorf("sentinel mismatch: expected %q, remote echoed %q", sentinel, strings.TrimSpace(out))
	}
	return nil
}

func SentinelCommand(sentinel string) string {
	return "echo " + shellQuote(sentinel)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
