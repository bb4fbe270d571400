package sshexec

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/verrors"
)

// Bootstrap deploys the server's public key to the host using a one-shot
// password: connect with the password, append the key to authorized_keys if
// no identical line exists, fix modes, then verify key auth by reconnecting.
// The password is never stored.
func (e *Executor) Bootstrap(ctx context.Context, host *models.Host, password string) error {
	pubKey, err := e.PublicKey()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(host.Address, fmt.Sprintf("%d", host.SSHPort))
	client, err := e.dial("tcp", addr,
		e.clientConfig(host, []ssh.AuthMethod{ssh.Password(password)}, dialTimeout))
	if err != nil {
		return classifyDialError("bootstrap_connect", host.Name, err)
	}
	defer client.Close()

	// grep -qxF matches the whole line exactly, so re-running the bootstrap
	// never duplicates the key.
	script := fmt.Sprintf(
		`mkdir -p ~/.ssh && chmod 700 ~/.ssh && touch ~/.ssh/authorized_keys && `+
			`grep -qxF %q ~/.ssh/authorized_keys || echo %q >> ~/.ssh/authorized_keys; `+
			`chmod 600 ~/.ssh/authorized_keys`,
		pubKey, pubKey)

	res, err := runSession(ctx, client, host.Name, script, nil, defaultExecTime)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return verrors.New(verrors.KindSSHError, "bootstrap", host.Name,
			fmt.Errorf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}

	// Verify the key actually works before declaring success.
	verify, err := e.connectWithKey(host, dialTimeout)
	if err != nil {
		return verrors.New(verrors.KindAuthFailed, "bootstrap_verify", host.Name, err)
	}
	verify.Close()

	log.Info().Str("host", host.Name).Msg("SSH key deployed and verified")
	return nil
}

// WaitReachable polls the host's SSH port until it accepts connections or the
// deadline passes. Used after enrollment before the first collection.
func (e *Executor) WaitReachable(ctx context.Context, host *models.Host, deadline time.Duration) error {
	addr := net.JoinHostPort(host.Address, fmt.Sprintf("%d", host.SSHPort))
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	for {
		d := net.Dialer{Timeout: 3 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return verrors.New(verrors.KindUnreachable, "wait_reachable", host.Name, ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}
