package app

import (
	"context"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/rs/zerolog"

	"github.com/nebula-panel/nebula/apps/api/internal/config"
)

func testConfig(c *qt.C) config.Config {
	dir := c.TempDir()
	cfg := config.Default()
	cfg.Store = config.Store{Driver: "sqlite", DSN: filepath.Join(dir, "panel.db")}
	cfg.Web.Root = filepath.Join(dir, "www")
	cfg.Backups.Root = filepath.Join(dir, "backups")
	cfg.Exec.DryRun = true
	cfg.Admin = config.Admin{Username: "root", Password: "correct horse"}
	return cfg
}

func TestBootstrapOnce(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	a, err := New(ctx, testConfig(c), zerolog.Nop())
	c.Assert(err, qt.IsNil)
	defer a.Close()

	c.Assert(a.Bootstrap(ctx), qt.IsNil)
	c.Assert(a.Bootstrap(ctx), qt.IsNil)

	users, err := a.Store.ListUsers(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(users, qt.HasLen, 1)
	c.Assert(users[0].IsAdmin, qt.IsTrue)

	sess, err := a.Accounts.Authenticate(ctx, "root", "correct horse")
	c.Assert(err, qt.IsNil)
	actor, err := a.Accounts.Resolve(ctx, sess.Token)
	c.Assert(err, qt.IsNil)
	c.Assert(actor.IsAdmin, qt.IsTrue)
}

func TestRejectsBadRecipient(t *testing.T) {
	c := qt.New(t)
	cfg := testConfig(c)
	cfg.Backups.Recipients = []string{"not-a-key"}

	_, err := New(context.Background(), cfg, zerolog.Nop())
	c.Assert(err, qt.ErrorMatches, "backup recipients: .*")
}

func TestUnknownWebServer(t *testing.T) {
	c := qt.New(t)
	cfg := testConfig(c)
	cfg.Web.Server = "caddy"

	_, err := New(context.Background(), cfg, zerolog.Nop())
	c.Assert(err, qt.ErrorMatches, `web server "caddy" not valid`)
}
