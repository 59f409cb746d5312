package hostexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/packages/lib/failure"
	"github.com/nebula-panel/nebula/packages/lib/security"
)

// ExecPath is the agent endpoint that runs a single command.
const ExecPath = "/v1/exec"

// ExecRequest is the signed body sent to nebula-agent.
type ExecRequest struct {
	Name      string    `json:"name"`
	Args      []string  `json:"args"`
	Env       []string  `json:"env,omitempty"`
	Dir       string    `json:"dir,omitempty"`
	Stdin     []byte    `json:"stdin,omitempty"`
	TimeoutMS int64     `json:"timeout_ms"`
	Timestamp time.Time `json:"timestamp"`
}

func (r ExecRequest) Command() Command {
	return Command{
		Name:    r.Name,
		Args:    r.Args,
		Env:     r.Env,
		Dir:     r.Dir,
		Stdin:   r.Stdin,
		Timeout: time.Duration(r.TimeoutMS) * time.Millisecond,
	}
}

type ExecResponse struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
	TimedOut bool   `json:"timed_out"`
	Error    string `json:"error,omitempty"`
}

// Agent forwards commands to nebula-agent over its unix socket.
type Agent struct {
	hc             *http.Client
	secret         string
	defaultTimeout time.Duration
	now            func() time.Time
}

func NewAgent(socketPath, secret string, defaultTimeout time.Duration) *Agent {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
		},
	}
	return newAgent(&http.Client{Transport: transport}, secret, defaultTimeout)
}

func newAgent(hc *http.Client, secret string, defaultTimeout time.Duration) *Agent {
	return &Agent{hc: hc, secret: secret, defaultTimeout: defaultTimeout, now: time.Now}
}

func (a *Agent) Run(ctx context.Context, cmd Command) (Result, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = a.defaultTimeout
	}
	req := ExecRequest{
		Name:      cmd.Name,
		Args:      cmd.Args,
		Env:       cmd.Env,
		Dir:       cmd.Dir,
		Stdin:     cmd.Stdin,
		TimeoutMS: timeout.Milliseconds(),
		Timestamp: a.now().UTC(),
	}
	b, err := json.Marshal(req)
	if err != nil {
		return Result{}, errors.Trace(err)
	}

	// Leave the agent room to report its own timeout before ours fires.
	ctx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://unix"+ExecPath, bytes.NewReader(b))
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set(security.SignatureHeader, security.SignHMAC(b, a.secret))

	resp, err := a.hc.Do(hreq)
	if err != nil {
		return Result{}, failure.Tool("nebula-agent", "", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, failure.Tool("nebula-agent", "", err)
	}
	if resp.StatusCode >= 300 {
		return Result{}, failure.Tool("nebula-agent", string(raw), fmt.Errorf("status %d", resp.StatusCode))
	}

	var out ExecResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, failure.Tool("nebula-agent", string(raw), err)
	}
	res := Result{Output: out.Output, ExitCode: out.ExitCode}
	switch {
	case out.TimedOut:
		return res, errors.Timeoutf("%s after %s", cmd.Name, timeout)
	case out.ExitCode != 0 || out.Error != "":
		cause := fmt.Errorf("exit status %d", out.ExitCode)
		if out.Error != "" {
			cause = fmt.Errorf("%s", out.Error)
		}
		return res, failure.Tool(cmd.Name, out.Output, cause)
	}
	return res, nil
}
