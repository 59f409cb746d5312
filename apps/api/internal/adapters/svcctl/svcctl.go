// Package svcctl reloads, restarts and inspects host services, either with
// the systemctl binary or directly over the systemd D-Bus API.
package svcctl

import (
	"context"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/packages/lib/failure"
	"github.com/nebula-panel/nebula/packages/lib/hostexec"
)

type Controller interface {
	Reload(ctx context.Context, service string) error
	Restart(ctx context.Context, service string) error
	// ActiveState returns systemd's ActiveState ("active", "failed", ...).
	ActiveState(ctx context.Context, service string) (string, error)
}

func unitName(service string) string {
	if strings.Contains(service, ".") {
		return service
	}
	return service + ".service"
}

// Systemctl drives systemctl through a command runner, which lets the calls
// go through nebula-agent.
type Systemctl struct {
	runner  hostexec.Runner
	timeout time.Duration
}

func NewSystemctl(runner hostexec.Runner, timeout time.Duration) *Systemctl {
	return &Systemctl{runner: runner, timeout: timeout}
}

func (s *Systemctl) Reload(ctx context.Context, service string) error {
	_, err := s.runner.Run(ctx, hostexec.Command{Name: "systemctl", Args: []string{"reload", unitName(service)}, Timeout: s.timeout})
	return errors.Annotatef(err, "reload %s", service)
}

func (s *Systemctl) Restart(ctx context.Context, service string) error {
	_, err := s.runner.Run(ctx, hostexec.Command{Name: "systemctl", Args: []string{"restart", unitName(service)}, Timeout: s.timeout})
	return errors.Annotatef(err, "restart %s", service)
}

func (s *Systemctl) ActiveState(ctx context.Context, service string) (string, error) {
	res, err := s.runner.Run(ctx, hostexec.Command{Name: "systemctl", Args: []string{"is-active", unitName(service)}, Timeout: s.timeout})
	state := strings.TrimSpace(res.Output)
	// is-active exits non-zero for every state but "active".
	if err != nil && state != "" && !strings.Contains(state, "\n") {
		return state, nil
	}
	if err != nil {
		return "", errors.Annotatef(err, "state of %s", service)
	}
	return state, nil
}

// DBus talks to systemd over the system bus. Each call opens its own
// connection.
type DBus struct {
	timeout time.Duration
}

func NewDBus(timeout time.Duration) *DBus {
	return &DBus{timeout: timeout}
}

func (d *DBus) Reload(ctx context.Context, service string) error {
	return d.job(ctx, "reload", service, func(ctx context.Context, conn *dbus.Conn, ch chan<- string) (int, error) {
		return conn.ReloadUnitContext(ctx, unitName(service), "replace", ch)
	})
}

func (d *DBus) Restart(ctx context.Context, service string) error {
	return d.job(ctx, "restart", service, func(ctx context.Context, conn *dbus.Conn, ch chan<- string) (int, error) {
		return conn.RestartUnitContext(ctx, unitName(service), "replace", ch)
	})
}

func (d *DBus) job(ctx context.Context, verb, service string, start func(context.Context, *dbus.Conn, chan<- string) (int, error)) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return failure.Tool("systemd-dbus", "", err)
	}
	defer conn.Close()

	done := make(chan string, 1)
	if _, err := start(ctx, conn, done); err != nil {
		return failure.Tool("systemd-dbus", verb+" "+service, err)
	}
	select {
	case result := <-done:
		if result != "done" {
			return failure.Tool("systemd-dbus", verb+" "+service+": job "+result, errors.Errorf("job %s", result))
		}
		return nil
	case <-ctx.Done():
		return errors.Timeoutf("%s %s", verb, service)
	}
}

func (d *DBus) ActiveState(ctx context.Context, service string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return "", failure.Tool("systemd-dbus", "", err)
	}
	defer conn.Close()

	units, err := conn.ListUnitsByNamesContext(ctx, []string{unitName(service)})
	if err != nil {
		return "", failure.Tool("systemd-dbus", "list "+service, err)
	}
	if len(units) == 0 {
		return "", errors.NotFoundf("unit %q", unitName(service))
	}
	return units[0].ActiveState, nil
}
