package manager

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/matrx/orchestrator/pkg/driver"
	"github.com/matrx/orchestrator/pkg/types"
)

const (
	accessUser = "agent"

	// keyComment tags injected keys so operators can audit and reap
	// authorized_keys entries from outside.
	keyComment = "user-access"
)

// GenerateAccess issues single-use SSH credentials for a running
// sandbox: a fresh Ed25519 keypair per call, the public key injected
// into the agent account's authorized_keys via a root exec, the private
// key returned in the response and never persisted.
func (m *Manager) GenerateAccess(ctx context.Context, sandboxID string) (*types.AccessCredentials, error) {
	unlock := m.locks.Lock(sandboxID)
	defer unlock()

	rec, err := m.store.Get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, fmt.Errorf("%w: sandbox %s is %s", ErrTerminal, sandboxID, rec.Status)
	}
	if rec.ContainerID == "" {
		return nil, fmt.Errorf("%w: sandbox %s has no container", ErrNotRunning, sandboxID)
	}

	state, err := m.runtime.Inspect(ctx, sandboxID)
	if err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return nil, fmt.Errorf("%w: container for sandbox %s is gone", ErrNotRunning, sandboxID)
		}
		return nil, fmt.Errorf("failed to generate access for sandbox %s: %w", sandboxID, err)
	}
	if !state.Running {
		return nil, fmt.Errorf("%w: container for sandbox %s is %s", ErrNotRunning, sandboxID, state.Status)
	}

	privatePEM, authorizedKey, err := generateKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair for sandbox %s: %w", sandboxID, err)
	}

	exitCode, _, stderr, err := m.runtime.Exec(ctx, sandboxID, driver.ExecSpec{
		Argv: []string{"bash", "-c", injectCommand(authorizedKey)},
		User: "root",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to inject key into sandbox %s: %w", sandboxID, err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("failed to inject key into sandbox %s: exit code %d: %s",
			sandboxID, exitCode, strings.TrimSpace(stderr))
	}

	m.logger.Info().Str("sandbox_id", sandboxID).Int("ssh_port", rec.SSHPort).Msg("issued sandbox access key")

	return &types.AccessCredentials{
		PrivateKey: privatePEM,
		Username:   accessUser,
		Host:       m.cfg.Host,
		Port:       rec.SSHPort,
		SSHCommand: fmt.Sprintf("ssh -p %d %s@%s", rec.SSHPort, accessUser, m.cfg.Host),
	}, nil
}

// generateKeypair returns (private key PEM, authorized_keys line)
func generateKeypair() (string, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}

	block, err := ssh.MarshalPrivateKey(priv, keyComment)
	if err != nil {
		return "", "", err
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", "", err
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + keyComment

	return string(pem.EncodeToMemory(block)), line, nil
}

// injectCommand builds the single shell invocation that appends the key
// and fixes ownership and modes. The key line contains no shell
// metacharacters (base64 alphabet plus the fixed comment).
func injectCommand(authorizedKey string) string {
	home := types.DefaultHotPath
	return fmt.Sprintf(
		"mkdir -p %[1]s/.ssh && echo '%[2]s' >> %[1]s/.ssh/authorized_keys && "+
			"chown -R %[3]s:%[3]s %[1]s/.ssh && chmod 700 %[1]s/.ssh && chmod 600 %[1]s/.ssh/authorized_keys",
		home, authorizedKey, accessUser,
	)
}
