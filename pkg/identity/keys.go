package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"gitlab.com/netops-rnd/tunnelkeeper/internal/logz"
)

// Generate creates a fresh ed25519 keypair for the identity, overwriting any
// previous keypair. Provisioning always produces a new key; keys are never
// reused across provisioning runs. A successful run also clears the
// authorized marker, since the new key has not been verified yet.
func (id *Identity) Generate() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating keypair for identity %q: %w", id.Name, err)
	}

	if err := os.MkdirAll(id.dir, 0o700); err != nil {
		return fmt.Errorf("creating directory for identity %q: %w", id.Name, err)
	}

	block, err := ssh.MarshalPrivateKey(priv, id.Name)
	if err != nil {
		return fmt.Errorf("marshalling private key for identity %q: %w", id.Name, err)
	}
	if err := os.WriteFile(id.PrivateKeyPath(), pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("writing private key for identity %q (%s): %w", id.Name, id.PrivateKeyPath(), err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("encoding public key for identity %q: %w", id.Name, err)
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + id.Name + "\n"
	if err := os.WriteFile(id.PublicKeyPath(), []byte(line), 0o644); err != nil {
		return fmt.Errorf("writing public key for identity %q (%s): %w", id.Name, id.PublicKeyPath(), err)
	}

	if err := os.Remove(id.authorizedPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing authorized marker for identity %q: %w", id.Name, err)
	}

	id.logger.Info("generated fresh keypair",
		logz.Identity(id.Name),
		logz.Path(id.PrivateKeyPath()),
	)
	return nil
}

// Signer loads the identity's private key for key-only authentication.
func (id *Identity) Signer() (ssh.Signer, error) {
	data, err := os.ReadFile(id.PrivateKeyPath())
	if err != nil {
		return nil, fmt.Errorf("reading private key for identity %q (%s): %w", id.Name, id.PrivateKeyPath(), err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing private key for identity %q: %w", id.Name, err)
	}
	return signer, nil
}

// PublicKeyLine returns the exact authorized_keys line for this identity,
// without a trailing newline. Idempotent installs on the remote compare
// against this exact line.
func (id *Identity) PublicKeyLine() (string, error) {
	data, err := os.ReadFile(id.PublicKeyPath())
	if err != nil {
		return "", fmt.Errorf("reading public key for identity %q (%s): %w", id.Name, id.PublicKeyPath(), err)
	}
	return strings.TrimSpace(string(data)), nil
}
