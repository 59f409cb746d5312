// Package executor runs allowlisted commands on behalf of nebula-api.
package executor

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/nebula-panel/nebula/apps/agent/internal/config"
	"github.com/nebula-panel/nebula/packages/lib/hostexec"
)

// envAllowlist holds the only variables a caller may set: engine
// credentials that must stay out of argv, and the apt frontend switch.
var envAllowlist = map[string]bool{
	"MYSQL_PWD":       true,
	"PGPASSWORD":      true,
	"DEBIAN_FRONTEND": true,
}

type Executor struct {
	runner     hostexec.Runner
	allowlist  map[string]bool
	cmdTimeout time.Duration
	maxTimeout time.Duration
	logger     zerolog.Logger
}

func New(cfg config.Config, runner hostexec.Runner, logger zerolog.Logger) *Executor {
	allow := make(map[string]bool, len(cfg.Allowlist))
	for _, name := range cfg.Allowlist {
		allow[name] = true
	}
	return &Executor{
		runner:     runner,
		allowlist:  allow,
		cmdTimeout: cfg.CmdTimeout,
		maxTimeout: cfg.MaxTimeout,
		logger:     logger,
	}
}

// Check rejects commands the agent will not run.
func (e *Executor) Check(cmd hostexec.Command) error {
	if strings.ContainsRune(cmd.Name, '/') || !e.allowlist[cmd.Name] {
		return errors.Forbiddenf("command %q", cmd.Name)
	}
	for _, kv := range cmd.Env {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !envAllowlist[key] {
			return errors.Forbiddenf("environment variable %q", key)
		}
	}
	if cmd.Dir != "" && !filepath.IsAbs(cmd.Dir) {
		return errors.NotValidf("working directory %q", cmd.Dir)
	}
	return nil
}

// Execute runs req. Command failures are reported in the response; the
// error return is reserved for requests that were refused.
func (e *Executor) Execute(ctx context.Context, req hostexec.ExecRequest) (hostexec.ExecResponse, error) {
	cmd := req.Command()
	if err := e.Check(cmd); err != nil {
		return hostexec.ExecResponse{}, err
	}
	if cmd.Timeout <= 0 {
		cmd.Timeout = e.cmdTimeout
	}
	if e.maxTimeout > 0 && cmd.Timeout > e.maxTimeout {
		cmd.Timeout = e.maxTimeout
	}

	res, err := e.runner.Run(ctx, cmd)
	out := hostexec.ExecResponse{ExitCode: res.ExitCode, Output: res.Output}
	switch {
	case err == nil:
	case errors.Is(err, errors.Timeout):
		out.TimedOut = true
	case out.ExitCode == 0:
		out.ExitCode = -1
		out.Error = err.Error()
	}
	e.logger.Info().
		Str("cmd", cmd.String()).
		Int("exit_code", out.ExitCode).
		Bool("timed_out", out.TimedOut).
		Msg("exec")
	return out, nil
}
