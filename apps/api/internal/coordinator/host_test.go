package coordinator

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"go.uber.org/mock/gomock"

	"github.com/nebula-panel/nebula/apps/api/internal/models"
	"github.com/nebula-panel/nebula/packages/lib/failure"
	"github.com/nebula-panel/nebula/packages/lib/hostexec"
	"github.com/nebula-panel/nebula/packages/lib/hostexec/mocks"
)

type preparer struct {
	calls int
	err   error
}

func (p *preparer) Prepare(context.Context) error {
	p.calls++
	return p.err
}

func withRunner(c *qt.C, f *fixture) *mocks.MockRunner {
	runner := mocks.NewMockRunner(gomock.NewController(c))
	f.coord.runner = runner
	f.coord.toolTimeout = time.Minute
	f.coord.longToolTimeout = 30 * time.Minute
	return runner
}

func aptGet(timeout time.Duration, args ...string) hostexec.Command {
	return hostexec.Command{Name: "apt-get", Args: args, Env: []string{"DEBIAN_FRONTEND=noninteractive"}, Timeout: timeout}
}

const simulated = `Reading package lists...
Calculating upgrade...
The following packages will be upgraded:
  nginx openssl
2 upgraded, 0 newly installed, 0 to remove and 0 not upgraded.
Inst nginx [1.18.0-6] (1.18.0-6.1 Debian:12.5/stable [amd64])
Inst openssl [3.0.11-1] (3.0.13-1 Debian-Security:12/stable-security [amd64])
Conf nginx (1.18.0-6.1 Debian:12.5/stable [amd64])
Conf openssl (3.0.13-1 Debian-Security:12/stable-security [amd64])`

func TestCheckUpdatesListsUpgradablePackages(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	runner := withRunner(c, f)
	now := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
	f.coord.Clock = testclock.NewClock(now)
	ctx := context.Background()

	_, err := f.coord.CheckUpdates(ctx, alice)
	c.Assert(errors.Is(err, errors.Forbidden), qt.IsTrue)

	gomock.InOrder(
		runner.EXPECT().Run(gomock.Any(), aptGet(30*time.Minute, "update")),
		runner.EXPECT().Run(gomock.Any(), aptGet(time.Minute, "-s", "upgrade")).Return(hostexec.Result{Output: simulated}, nil),
	)
	st, err := f.coord.CheckUpdates(ctx, admin)
	c.Assert(err, qt.IsNil)
	c.Assert(st, qt.DeepEquals, UpdateStatus{Available: true, Count: 2, Packages: []string{"nginx", "openssl"}, CheckedAt: now})
}

func TestCheckUpdatesNothingPending(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	runner := withRunner(c, f)

	runner.EXPECT().Run(gomock.Any(), gomock.Any()).Return(hostexec.Result{Output: "0 upgraded, 0 newly installed"}, nil).Times(2)
	st, err := f.coord.CheckUpdates(context.Background(), admin)
	c.Assert(err, qt.IsNil)
	c.Assert(st.Available, qt.IsFalse)
	c.Assert(st.Packages, qt.HasLen, 0)
}

func TestInstallUpdatesUsesLongTimeout(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	runner := withRunner(c, f)
	ctx := context.Background()

	runner.EXPECT().Run(gomock.Any(), aptGet(30*time.Minute, "upgrade", "-y"))
	c.Assert(f.coord.InstallUpdates(ctx, admin), qt.IsNil)
	c.Assert(errors.Is(f.coord.InstallUpdates(ctx, alice), errors.Forbidden), qt.IsTrue)

	logs, err := f.store.ListAudit(ctx, models.Page{Limit: 10})
	c.Assert(err, qt.IsNil)
	c.Assert(logs, qt.HasLen, 1)
	c.Assert(logs[0].Action, qt.Equals, "system.updates")
}

func TestInstallUpdatesFailureIsToolError(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	runner := withRunner(c, f)

	runner.EXPECT().Run(gomock.Any(), gomock.Any()).
		Return(hostexec.Result{ExitCode: 100}, failure.Tool("apt-get", "E: Could not get lock", errors.New("exit status 100")))
	err := f.coord.InstallUpdates(context.Background(), admin)
	c.Assert(errors.Is(err, failure.ExternalToolFailure), qt.IsTrue)
}

func TestLogsBoundsLinesAndService(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	runner := withRunner(c, f)
	ctx := context.Background()

	journal := func(args ...string) hostexec.Command {
		return hostexec.Command{Name: "journalctl", Args: args, Timeout: time.Minute}
	}
	gomock.InOrder(
		runner.EXPECT().Run(gomock.Any(), journal("--no-pager", "-n", "100")).Return(hostexec.Result{Output: "boot"}, nil),
		runner.EXPECT().Run(gomock.Any(), journal("--no-pager", "-n", "1000", "-u", "nginx")).Return(hostexec.Result{Output: "nginx started"}, nil),
	)
	out, err := f.coord.Logs(ctx, admin, "", 0)
	c.Assert(err, qt.IsNil)
	c.Assert(out, qt.Equals, "boot")
	out, err = f.coord.Logs(ctx, admin, "nginx", 50000)
	c.Assert(err, qt.IsNil)
	c.Assert(out, qt.Equals, "nginx started")

	_, err = f.coord.Logs(ctx, admin, "sshd", 10)
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)
	_, err = f.coord.Logs(ctx, alice, "", 10)
	c.Assert(errors.Is(err, errors.Forbidden), qt.IsTrue)
}

func TestMailSetupInstallsPreparesAndStarts(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	runner := withRunner(c, f)
	mail := &preparer{}
	f.coord.mail = mail

	runner.EXPECT().Run(gomock.Any(), aptGet(30*time.Minute, "install", "-y", "postfix", "dovecot-core", "dovecot-imapd", "dovecot-pop3d"))
	c.Assert(f.coord.MailSetup(context.Background(), admin), qt.IsNil)
	c.Assert(mail.calls, qt.Equals, 1)
	c.Assert(f.units.restarted, qt.DeepEquals, []string{"postfix", "dovecot"})
}

func TestMailSetupStopsWhenPrepareFails(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	runner := withRunner(c, f)
	f.coord.mail = &preparer{err: errors.New("postmap: fatal")}

	runner.EXPECT().Run(gomock.Any(), gomock.Any())
	c.Assert(f.coord.MailSetup(context.Background(), admin), qt.ErrorMatches, "postmap: fatal")
	c.Assert(f.units.restarted, qt.HasLen, 0)
}

func TestHostCommandsNeedRunner(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	_, err := f.coord.CheckUpdates(context.Background(), admin)
	c.Assert(errors.Is(err, errors.NotSupported), qt.IsTrue)
}

func TestMailStatus(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	st, err := f.coord.MailStatus(context.Background(), alice)
	c.Assert(err, qt.IsNil)
	c.Assert(st, qt.DeepEquals, MailStatus{Postfix: "active", Dovecot: "active", Running: true})
}
