package coordinator

import (
	"bufio"
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/access"
	"github.com/nebula-panel/nebula/packages/lib/hostexec"
)

const (
	defaultLogLines = 100
	maxLogLines     = 1000
)

// MailPackages are installed by MailSetup.
var MailPackages = []string{"postfix", "dovecot-core", "dovecot-imapd", "dovecot-pop3d"}

// MailPreparer writes the mail maps postfix and dovecot expect to find on
// first start.
type MailPreparer interface {
	Prepare(ctx context.Context) error
}

type UpdateStatus struct {
	Available bool      `json:"updates_available"`
	Count     int       `json:"count"`
	Packages  []string  `json:"packages"`
	CheckedAt time.Time `json:"last_check"`
}

func (c *Coordinator) run(ctx context.Context, timeout time.Duration, env []string, name string, args ...string) (hostexec.Result, error) {
	if c.runner == nil {
		return hostexec.Result{}, errors.NotSupportedf("host commands")
	}
	res, err := c.runner.Run(ctx, hostexec.Command{Name: name, Args: args, Env: env, Timeout: timeout})
	return res, errors.Annotatef(err, "%s %s", name, strings.Join(args, " "))
}

var nonInteractive = []string{"DEBIAN_FRONTEND=noninteractive"}

// CheckUpdates refreshes the package index and lists upgradable packages
// from a simulated upgrade.
func (c *Coordinator) CheckUpdates(ctx context.Context, actor access.Actor) (st UpdateStatus, err error) {
	defer func(start time.Time) { c.Metrics.Observe("system", "check_updates", start, err) }(time.Now())

	if err := c.Gate.Admin(actor); err != nil {
		return UpdateStatus{}, err
	}
	if _, err := c.run(ctx, c.longToolTimeout, nonInteractive, "apt-get", "update"); err != nil {
		return UpdateStatus{}, err
	}
	res, err := c.run(ctx, c.toolTimeout, nonInteractive, "apt-get", "-s", "upgrade")
	if err != nil {
		return UpdateStatus{}, err
	}
	st = UpdateStatus{Packages: upgradable(res.Output), CheckedAt: c.Now()}
	st.Count = len(st.Packages)
	st.Available = st.Count > 0
	return st, nil
}

// upgradable returns the package names of the "Inst" lines of apt-get -s.
func upgradable(out string) []string {
	pkgs := []string{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "Inst" {
			pkgs = append(pkgs, fields[1])
		}
	}
	return pkgs
}

func (c *Coordinator) InstallUpdates(ctx context.Context, actor access.Actor) (err error) {
	defer func(start time.Time) { c.Metrics.Observe("system", "install_updates", start, err) }(time.Now())

	if err := c.Gate.Admin(actor); err != nil {
		return err
	}
	if _, err := c.run(ctx, c.longToolTimeout, nonInteractive, "apt-get", "upgrade", "-y"); err != nil {
		return err
	}
	c.Audit(ctx, actor, "system.updates", "", "apt-get upgrade")
	return nil
}

// Logs returns the last lines of the journal, for one managed service or
// for the whole system when service is empty.
func (c *Coordinator) Logs(ctx context.Context, actor access.Actor, service string, lines int) (string, error) {
	if err := c.Gate.Admin(actor); err != nil {
		return "", err
	}
	if service != "" && !slices.Contains(ManagedServices, service) {
		return "", errors.NotValidf("service %q", service)
	}
	switch {
	case lines <= 0:
		lines = defaultLogLines
	case lines > maxLogLines:
		lines = maxLogLines
	}
	args := []string{"--no-pager", "-n", strconv.Itoa(lines)}
	if service != "" {
		args = append(args, "-u", service)
	}
	res, err := c.run(ctx, c.toolTimeout, nil, "journalctl", args...)
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

// MailSetup installs postfix and dovecot, writes the mail maps and restarts
// both services.
func (c *Coordinator) MailSetup(ctx context.Context, actor access.Actor) (err error) {
	defer func(start time.Time) { c.Metrics.Observe("system", "mail_setup", start, err) }(time.Now())

	if err := c.Gate.Admin(actor); err != nil {
		return err
	}
	args := append([]string{"install", "-y"}, MailPackages...)
	if _, err := c.run(ctx, c.longToolTimeout, nonInteractive, "apt-get", args...); err != nil {
		return err
	}
	if c.mail != nil {
		if err := c.mail.Prepare(ctx); err != nil {
			return err
		}
	}
	for _, name := range []string{"postfix", "dovecot"} {
		if err := c.services.Restart(ctx, name); err != nil {
			return errors.Annotatef(err, "start %s", name)
		}
	}
	c.Audit(ctx, actor, "email.setup", "", strings.Join(MailPackages, " "))
	return nil
}

type MailStatus struct {
	Postfix string `json:"postfix"`
	Dovecot string `json:"dovecot"`
	Running bool   `json:"running"`
}

// MailStatus reports the systemd state of postfix and dovecot. A unit that
// cannot be queried is "unknown".
func (c *Coordinator) MailStatus(ctx context.Context, actor access.Actor) (MailStatus, error) {
	if actor.ID == "" {
		return MailStatus{}, errors.Unauthorizedf("no actor")
	}
	state := func(name string) string {
		s, err := c.services.ActiveState(ctx, name)
		if err != nil {
			c.Logger.Debug().Err(err).Str("unit", name).Msg("mail unit state")
			return "unknown"
		}
		return s
	}
	st := MailStatus{Postfix: state("postfix"), Dovecot: state("dovecot")}
	st.Running = st.Postfix == "active" && st.Dovecot == "active"
	return st, nil
}
