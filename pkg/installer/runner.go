package installer

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// Command is one shell invocation.
type Command struct {
	Dir    string
	Line   string
	Env    []string
	Output io.Writer
}

// Runner executes shell commands. Implementations must honor ctx
// cancellation by terminating the command.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cmd Command) error

func (f RunnerFunc) Run(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

// ShellRunner runs commands through a POSIX shell in their own process
// group, so a timeout kills npm and everything it spawned.
type ShellRunner struct {
	// Shell defaults to "bash".
	Shell string

	// WaitDelay bounds how long Run waits for output pipes after the
	// process is killed. Zero means 5s.
	WaitDelay time.Duration
}

func (r ShellRunner) Run(ctx context.Context, c Command) error {
	shell := r.Shell
	if shell == "" {
		shell = "bash"
	}
	waitDelay := r.WaitDelay
	if waitDelay == 0 {
		waitDelay = 5 * time.Second
	}

	cmd := exec.CommandContext(ctx, shell, "-c", c.Line)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = c.Output
	cmd.Stderr = c.Output
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", c.Line, ctxErr)
		}
		return fmt.Errorf("%s: %w", c.Line, err)
	}
	return nil
}
