// Package hostexec runs external tools for the provisioning adapters, either
// in-process or through the privileged nebula-agent.
package hostexec

//go:generate go run go.uber.org/mock/mockgen -package mocks -destination mocks/runner_mock.go github.com/nebula-panel/nebula/packages/lib/hostexec Runner

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"

	"github.com/nebula-panel/nebula/packages/lib/failure"
)

// Command is a single argv invocation. Env entries are KEY=VALUE pairs added
// to the inherited environment and are never rendered in logs.
type Command struct {
	Name    string
	Args    []string
	Env     []string
	Dir     string
	Stdin   []byte
	Timeout time.Duration
}

// String renders the command line shell-quoted, without the environment.
func (c Command) String() string {
	return shellquote.Join(append([]string{c.Name}, c.Args...)...)
}

type Result struct {
	Output   string
	ExitCode int
}

// Runner executes commands. A non-zero exit is a *failure.ToolError carrying
// the combined output; exceeding the timeout is an errors.Timeout.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Local runs commands with os/exec on this host.
type Local struct {
	DefaultTimeout time.Duration
	DryRun         bool
	Logger         zerolog.Logger
}

func NewLocal(defaultTimeout time.Duration, dryRun bool, logger zerolog.Logger) *Local {
	return &Local{DefaultTimeout: defaultTimeout, DryRun: dryRun, Logger: logger}
}

func (l *Local) Run(ctx context.Context, cmd Command) (Result, error) {
	if strings.TrimSpace(cmd.Name) == "" {
		return Result{}, errors.NotValidf("empty command")
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = l.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	if l.DryRun {
		l.Logger.Info().Str("cmd", cmd.String()).Dur("timeout", timeout).Msg("dry-run")
		return Result{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	if len(cmd.Stdin) > 0 {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}
	started := time.Now()
	out, err := c.CombinedOutput()
	res := Result{Output: strings.TrimSpace(string(out))}
	l.Logger.Debug().Str("cmd", cmd.String()).Dur("took", time.Since(started)).Err(err).Msg("exec")
	if err == nil {
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		return res, errors.Timeoutf("%s after %s", cmd.Name, timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = -1
	}
	return res, failure.Tool(cmd.Name, res.Output, err)
}
