package workerexec

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"netsatbench/pkg/model"
)

// SSH is the production Executor. One TCP connection per invocation; the
// deployer's fan-out is bounded, so connection reuse is not worth the
// session bookkeeping.
type SSH struct {
	// KnownHostsFile enables host key verification when set; empty accepts
	// any host key, matching the original deployment tooling.
	KnownHostsFile string
}

func (s *SSH) Run(ctx context.Context, worker *model.WorkerSpec, cmd Command) (Result, error) {
	session, conn, err := s.dial(ctx, worker, cmd.deadline())
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	defer conn.Close()
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if len(cmd.Stdin) > 0 {
		session.Stdin = bytes.NewReader(cmd.Stdin)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd.Line()) }()

	timer := time.NewTimer(cmd.deadline())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		conn.Close()
		return Result{ExitCode: -1}, ctx.Err()
	case <-timer.C:
		conn.Close()
		return Result{ExitCode: -1}, fmt.Errorf("ssh deadline exceeded on %s", worker.IP)
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			res.ExitCode = exitErr.ExitStatus()
			return res, &model.WorkerExecError{ExitCode: res.ExitCode, Stderr: firstLine(res.Stderr)}
		}
		res.ExitCode = -1
		return res, fmt.Errorf("ssh transport to %s: %w", worker.IP, err)
	}
	return res, nil
}

func (s *SSH) RunInteractive(ctx context.Context, worker *model.WorkerSpec, cmd Command) error {
	session, conn, err := s.dial(ctx, worker, 0)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer session.Close()

	session.Stdin = os.Stdin
	session.Stdout = os.Stdout
	session.Stderr = os.Stderr

	modes := ssh.TerminalModes{ssh.ECHO: 1}
	if err := session.RequestPty("xterm", 40, 120, modes); err != nil {
		return fmt.Errorf("requesting pty on %s: %w", worker.IP, err)
	}
	if err := session.Run(cmd.Line()); err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return &model.WorkerExecError{ExitCode: exitErr.ExitStatus()}
		}
		return fmt.Errorf("ssh transport to %s: %w", worker.IP, err)
	}
	return nil
}

func (s *SSH) dial(ctx context.Context, worker *model.WorkerSpec, deadline time.Duration) (*ssh.Session, *ssh.Client, error) {
	keyPath, err := expandHome(worker.SSHKey)
	if err != nil {
		return nil, nil, err
	}
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading ssh key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing ssh key %s: %w", keyPath, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if s.KnownHostsFile != "" {
		cb, err := knownhosts.New(s.KnownHostsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("loading known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	cfg := &ssh.ClientConfig{
		User:            worker.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(worker.IP, "22")
	dialer := net.Dialer{Timeout: cfg.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	if deadline > 0 {
		netConn.SetDeadline(time.Now().Add(deadline + 5*time.Second))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("opening session on %s: %w", addr, err)
	}
	return session, client, nil
}

func expandHome(path string) (string, error) {
	if path == "" {
		path = "~/.ssh/id_rsa"
	}
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
