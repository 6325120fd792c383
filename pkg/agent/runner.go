package agent

import (
	"context"
	"os/exec"
	"strings"

	"netsatbench/pkg/model"
)

// Cmd is one local kernel-facing invocation (ip, tc, bridge).
type Cmd struct {
	Tool string
	Args []string
}

func (c Cmd) String() string {
	return c.Tool + " " + strings.Join(c.Args, " ")
}

// Runner executes kernel commands. The agent serializes all calls on its
// event loop, so implementations need no locking.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) error
	Output(ctx context.Context, cmd Cmd) (string, error)
}

// Shell runs one task command line through a shell and reports its exit
// code. Split from Runner so task execution can be faked independently of
// kernel ops.
type Shell interface {
	RunShell(ctx context.Context, line string) (exitCode int, stderrTail string)
}

type execRunner struct{}

// NewRunner returns the real Runner.
func NewRunner() Runner { return execRunner{} }

func (execRunner) Run(ctx context.Context, cmd Cmd) error {
	out, err := exec.CommandContext(ctx, cmd.Tool, cmd.Args...).CombinedOutput()
	if err != nil {
		return &model.KernelOpError{Op: cmd.String(), Output: strings.TrimSpace(string(out)), Err: err}
	}
	return nil
}

func (execRunner) Output(ctx context.Context, cmd Cmd) (string, error) {
	out, err := exec.CommandContext(ctx, cmd.Tool, cmd.Args...).Output()
	if err != nil {
		return "", &model.KernelOpError{Op: cmd.String(), Err: err}
	}
	return string(out), nil
}

type execShell struct{}

// NewShell returns the real Shell.
func NewShell() Shell { return execShell{} }

func (execShell) RunShell(ctx context.Context, line string) (int, string) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", line)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	err := cmd.Run()
	tail := stderr.String()
	if len(tail) > 512 {
		tail = tail[len(tail)-512:]
	}
	if err == nil {
		return 0, tail
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), tail
	}
	return -1, err.Error()
}
