// Package sshexec provides key-based remote command execution, one-shot
// password bootstrap of the server's public key, file upload, and probe
// dependency installation.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/verrors"
)

const (
	maxOutputBytes  = 4 << 20 // per stream
	dialTimeout     = 10 * time.Second
	defaultExecTime = 30 * time.Second
)

// Result carries the outcome of one remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor runs commands on monitored hosts with the server's key pair.
type Executor struct {
	privateKeyPath string
	publicKeyPath  string

	// dial is swappable for tests.
	dial func(network, addr string, cfg *ssh.ClientConfig) (sshClient, error)
}

type sshClient interface {
	NewSession() (*ssh.Session, error)
	Close() error
}

// New builds an executor using the configured key paths.
func New(privateKeyPath, publicKeyPath string) *Executor {
	return &Executor{
		privateKeyPath: privateKeyPath,
		publicKeyPath:  publicKeyPath,
		dial: func(network, addr string, cfg *ssh.ClientConfig) (sshClient, error) {
			return ssh.Dial(network, addr, cfg)
		},
	}
}

// PublicKey returns the server's public key line, trimmed.
func (e *Executor) PublicKey() (string, error) {
	blob, err := os.ReadFile(e.publicKeyPath)
	if err != nil {
		return "", verrors.New(verrors.KindKeyMissing, "read_pubkey", "", err)
	}
	key := strings.TrimSpace(string(blob))
	if key == "" {
		return "", verrors.New(verrors.KindKeyMissing, "read_pubkey", "", errors.New("public key file is empty"))
	}
	return key, nil
}

func (e *Executor) signer() (ssh.Signer, error) {
	blob, err := os.ReadFile(e.privateKeyPath)
	if err != nil {
		return nil, verrors.New(verrors.KindKeyMissing, "read_key", "", err)
	}
	signer, err := ssh.ParsePrivateKey(blob)
	if err != nil {
		return nil, verrors.New(verrors.KindKeyMissing, "parse_key", "", err)
	}
	return signer, nil
}

func (e *Executor) clientConfig(host *models.Host, auth []ssh.AuthMethod, timeout time.Duration) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User: host.SSHUser,
		Auth: auth,
		// Hosts are enrolled by the operator; first-contact trust is the
		// bootstrap model here, matching agentless monitoring tools.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
}

func (e *Executor) connectWithKey(host *models.Host, timeout time.Duration) (sshClient, error) {
	signer, err := e.signer()
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(host.Address, fmt.Sprintf("%d", host.SSHPort))
	client, err := e.dial("tcp", addr, e.clientConfig(host, []ssh.AuthMethod{ssh.PublicKeys(signer)}, timeout))
	if err != nil {
		return nil, classifyDialError("connect", host.Name, err)
	}
	return client, nil
}

func classifyDialError(op, host string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "permission denied"):
		return verrors.New(verrors.KindAuthFailed, op, host, err)
	case strings.Contains(msg, "i/o timeout"), strings.Contains(msg, "timed out"):
		return verrors.New(verrors.KindTimeout, op, host, err)
	case strings.Contains(msg, "no route"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"):
		return verrors.New(verrors.KindUnreachable, op, host, err)
	default:
		return verrors.New(verrors.KindSSHError, op, host, err)
	}
}

// Exec runs cmd on the host with the server key, bounded by the context and
// timeout. The SSH channel is torn down on cancellation.
func (e *Executor) Exec(ctx context.Context, host *models.Host, cmd string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = defaultExecTime
	}
	client, err := e.connectWithKey(host, dialTimeout)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return runSession(ctx, client, host.Name, cmd, nil, timeout)
}

// Ping opens a connection and runs a trivial command. Used as the heartbeat
// probe.
func (e *Executor) Ping(ctx context.Context, host *models.Host, timeout time.Duration) error {
	res, err := e.Exec(ctx, host, "true", timeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return verrors.New(verrors.KindSSHError, "ping", host.Name, fmt.Errorf("exit %d", res.ExitCode))
	}
	return nil
}

// PutFile writes bytes to remotePath with the given mode.
func (e *Executor) PutFile(ctx context.Context, host *models.Host, remotePath string, data []byte, mode os.FileMode) error {
	client, err := e.connectWithKey(host, dialTimeout)
	if err != nil {
		return err
	}
	defer client.Close()

	cmd := fmt.Sprintf("cat > %q && chmod %o %q", remotePath, mode.Perm(), remotePath)
	res, err := runSession(ctx, client, host.Name, cmd, bytes.NewReader(data), defaultExecTime)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return verrors.New(verrors.KindRemoteExecFailed, "put_file", host.Name,
			fmt.Errorf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	return nil
}

func runSession(ctx context.Context, client sshClient, hostName, cmd string, stdin io.Reader, timeout time.Duration) (*Result, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, verrors.New(verrors.KindSSHError, "new_session", hostName, err)
	}
	defer session.Close()

	var stdout, stderr limitedBuffer
	stdout.limit = maxOutputBytes
	stderr.limit = maxOutputBytes
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		// Closing the session tears the channel down and unblocks Run.
		session.Close()
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, verrors.New(verrors.KindTimeout, "exec", hostName, ctx.Err())
		}
		return nil, verrors.New(verrors.KindSSHError, "exec", hostName, ctx.Err())
	case err = <-done:
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, verrors.New(verrors.KindSSHError, "exec", hostName, err)
	}
	return res, nil
}

// limitedBuffer keeps at most limit bytes and silently discards the rest so a
// runaway remote command cannot exhaust memory.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }

// dependencyStrategies are tried in order until the probe runtime verifies.
var dependencyStrategies = []struct {
	name    string
	command string
	timeout time.Duration
}{
	{"pip-user", "python3 -m pip install --user --quiet psutil", 120 * time.Second},
	{"apt", "apt-get install -y -q python3-psutil", 180 * time.Second},
	{"dnf", "dnf install -y -q python3-psutil", 180 * time.Second},
	{"yum", "yum install -y -q python3-psutil", 180 * time.Second},
}

const dependencyCheck = `python3 -c "import psutil" >/dev/null 2>&1 && echo ok`

// EnsureProbeDependencies verifies the probe runtime on the host and attempts
// a user-scope install of the metric-extraction library when missing.
func (e *Executor) EnsureProbeDependencies(ctx context.Context, host *models.Host) error {
	res, err := e.Exec(ctx, host, dependencyCheck, 15*time.Second)
	if err != nil {
		return err
	}
	if strings.TrimSpace(res.Stdout) == "ok" {
		return nil
	}

	for _, strategy := range dependencyStrategies {
		log.Info().
			Str("host", host.Name).
			Str("strategy", strategy.name).
			Msg("Installing probe dependency")
		if _, err := e.Exec(ctx, host, strategy.command, strategy.timeout); err != nil {
			log.Debug().Err(err).Str("host", host.Name).Str("strategy", strategy.name).
				Msg("Dependency install attempt failed")
			continue
		}
		res, err := e.Exec(ctx, host, dependencyCheck, 15*time.Second)
		if err == nil && strings.TrimSpace(res.Stdout) == "ok" {
			log.Info().Str("host", host.Name).Str("strategy", strategy.name).
				Msg("Probe dependency installed")
			return nil
		}
	}
	return verrors.New(verrors.KindDependencyMissing, "ensure_deps", host.Name,
		errors.New("psutil unavailable and no install strategy succeeded"))
}
