package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/models"
)

func newSQLite(c *qt.C) Store {
	st, err := NewSQLite(filepath.Join(c.TempDir(), "nebula.db"))
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { _ = st.Close() })
	return st
}

// backends returns every store the environment can reach. Postgres joins
// when NEBULA_TEST_DATABASE_URL points at a migratable database.
func backends(c *qt.C) map[string]Store {
	out := map[string]Store{"sqlite": newSQLite(c)}
	if url := os.Getenv("NEBULA_TEST_DATABASE_URL"); url != "" {
		c.Assert(Migrate(url), qt.IsNil)
		pg, err := NewPostgres(context.Background(), url)
		c.Assert(err, qt.IsNil)
		c.Cleanup(func() { _ = pg.Close() })
		out["postgres"] = pg
	}
	return out
}

func TestWebsiteCRUD(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	for name, st := range backends(c) {
		c.Run(name, func(c *qt.C) {
			owner, err := st.CreateUser(ctx, models.User{Username: "owner_" + name + time.Now().Format("150405.000000"), PasswordHash: "x"})
			c.Assert(err, qt.IsNil)

			domain := "crud-" + owner.ID[5:13] + ".example.com"
			w, err := st.CreateWebsite(ctx, models.Website{
				Domain: domain, Kind: models.KindStatic, LifecycleState: models.StateActive,
				DocumentRoot: "/var/www/" + domain, OwnerID: owner.ID,
			})
			c.Assert(err, qt.IsNil)
			c.Assert(w.ID, qt.Matches, `site_.+`)

			_, err = st.CreateWebsite(ctx, models.Website{Domain: domain, Kind: models.KindPHP, OwnerID: owner.ID})
			c.Assert(errors.Is(err, errors.AlreadyExists), qt.IsTrue)

			got, err := st.GetWebsiteByDomain(ctx, domain)
			c.Assert(err, qt.IsNil)
			c.Assert(got.ID, qt.Equals, w.ID)

			got.TLSEnabled = true
			got.TLSCertPath = "/etc/letsencrypt/live/" + domain + "/fullchain.pem"
			_, err = st.UpdateWebsite(ctx, got)
			c.Assert(err, qt.IsNil)
			got, err = st.GetWebsite(ctx, w.ID)
			c.Assert(err, qt.IsNil)
			c.Assert(got.TLSEnabled, qt.IsTrue)

			c.Assert(st.DeleteWebsite(ctx, w.ID), qt.IsNil)
			_, err = st.GetWebsite(ctx, w.ID)
			c.Assert(errors.Is(err, errors.NotFound), qt.IsTrue)
			c.Assert(errors.Is(st.DeleteWebsite(ctx, w.ID), errors.NotFound), qt.IsTrue)
		})
	}
}

func TestListDatabasesFiltersThroughWebsiteOwner(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	st := newSQLite(c)

	alice, err := st.CreateUser(ctx, models.User{Username: "alice", PasswordHash: "x"})
	c.Assert(err, qt.IsNil)
	bob, err := st.CreateUser(ctx, models.User{Username: "bob", PasswordHash: "x"})
	c.Assert(err, qt.IsNil)

	site, err := st.CreateWebsite(ctx, models.Website{Domain: "alice.example.com", Kind: models.KindPHP, OwnerID: alice.ID})
	c.Assert(err, qt.IsNil)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = st.CreateDatabase(ctx, models.Database{Name: "alice_site", EngineUsername: "u1", EngineKind: models.EngineMySQL, WebsiteID: site.ID, CreatedAt: base})
	c.Assert(err, qt.IsNil)
	_, err = st.CreateDatabase(ctx, models.Database{Name: "alice_solo", EngineUsername: "u2", EngineKind: models.EngineMySQL, OwnerID: alice.ID, CreatedAt: base.Add(time.Second)})
	c.Assert(err, qt.IsNil)
	_, err = st.CreateDatabase(ctx, models.Database{Name: "bob_solo", EngineUsername: "u3", EngineKind: models.EngineMySQL, OwnerID: bob.ID, CreatedAt: base.Add(2 * time.Second)})
	c.Assert(err, qt.IsNil)

	_, err = st.CreateDatabase(ctx, models.Database{Name: "bob_solo", EngineUsername: "u4", EngineKind: models.EngineMySQL})
	c.Assert(errors.Is(err, errors.AlreadyExists), qt.IsTrue)

	dbs, total, err := st.ListDatabases(ctx, models.ListFilter{OwnerID: alice.ID})
	c.Assert(err, qt.IsNil)
	c.Assert(total, qt.Equals, 2)
	c.Assert(dbs, qt.HasLen, 2)
	c.Assert(dbs[0].Name, qt.Equals, "alice_site")
	c.Assert(dbs[1].Name, qt.Equals, "alice_solo")

	_, total, err = st.ListDatabases(ctx, models.ListFilter{})
	c.Assert(err, qt.IsNil)
	c.Assert(total, qt.Equals, 3)

	page, total, err := st.ListDatabases(ctx, models.ListFilter{Page: models.Page{Offset: 1, Limit: 1}})
	c.Assert(err, qt.IsNil)
	c.Assert(total, qt.Equals, 3)
	c.Assert(page, qt.HasLen, 1)
	c.Assert(page[0].Name, qt.Equals, "alice_solo")

	byWebsite, err := st.ListDatabasesByWebsite(ctx, site.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(byWebsite, qt.HasLen, 1)
}

func TestLatestCompletedBackup(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	st := newSQLite(c)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, b := range []models.Backup{
		{Name: "example.com_20260102_030405.tar.zst", SubjectID: "site_a", Status: models.BackupCompleted, CreatedAt: base},
		{Name: "example.com_20260103_030405.tar.zst", SubjectID: "site_a", Status: models.BackupCompleted, CreatedAt: base.Add(24 * time.Hour)},
		{Name: "example.com_20260104_030405.tar.zst", SubjectID: "site_a", Status: models.BackupFailed, CreatedAt: base.Add(48 * time.Hour)},
		// Newer, and its name contains the other site's domain.
		{Name: "shop.example.com_20260105_030405.tar.zst", SubjectID: "site_b", Status: models.BackupCompleted, CreatedAt: base.Add(72 * time.Hour)},
	} {
		b.SubjectKind = models.BackupWebsite
		_, err := st.CreateBackup(ctx, b)
		c.Assert(err, qt.IsNil, qt.Commentf("backup %d", i))
	}

	latest, err := st.LatestCompletedBackup(ctx, models.BackupWebsite, "site_a")
	c.Assert(err, qt.IsNil)
	c.Assert(latest.Name, qt.Equals, "example.com_20260103_030405.tar.zst")

	latest, err = st.LatestCompletedBackup(ctx, models.BackupWebsite, "site_b")
	c.Assert(err, qt.IsNil)
	c.Assert(latest.Name, qt.Equals, "shop.example.com_20260105_030405.tar.zst")

	_, err = st.LatestCompletedBackup(ctx, models.BackupDatabase, "site_a")
	c.Assert(errors.Is(err, errors.NotFound), qt.IsTrue)
	_, err = st.LatestCompletedBackup(ctx, models.BackupWebsite, "site_missing")
	c.Assert(errors.Is(err, errors.NotFound), qt.IsTrue)
}

func TestSessions(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	st := newSQLite(c)

	u, err := st.CreateUser(ctx, models.User{Username: "carol", PasswordHash: "x", IsAdmin: true})
	c.Assert(err, qt.IsNil)
	n, err := st.CountAdmins(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 1)

	c.Assert(st.CreateSession(ctx, models.Session{Token: "live", UserID: u.ID, ExpiresAt: time.Now().Add(time.Hour)}), qt.IsNil)
	c.Assert(st.CreateSession(ctx, models.Session{Token: "expired", UserID: u.ID, ExpiresAt: time.Now().Add(-time.Hour)}), qt.IsNil)

	sess, err := st.GetSession(ctx, "live")
	c.Assert(err, qt.IsNil)
	c.Assert(sess.UserID, qt.Equals, u.ID)

	_, err = st.GetSession(ctx, "expired")
	c.Assert(errors.Is(err, errors.NotFound), qt.IsTrue)

	c.Assert(st.DeleteSession(ctx, "live"), qt.IsNil)
	_, err = st.GetSession(ctx, "live")
	c.Assert(errors.Is(err, errors.NotFound), qt.IsTrue)
}

func TestUpdateUser(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	for name, st := range backends(c) {
		c.Run(name, func(c *qt.C) {
			u, err := st.CreateUser(ctx, models.User{Username: "dave_" + name, PasswordHash: "x", IsAdmin: true})
			c.Assert(err, qt.IsNil)

			u.Email, u.IsAdmin, u.PasswordHash = "dave@example.com", false, "y"
			_, err = st.UpdateUser(ctx, u)
			c.Assert(err, qt.IsNil)
			got, err := st.GetUser(ctx, u.ID)
			c.Assert(err, qt.IsNil)
			c.Assert(got.Email, qt.Equals, "dave@example.com")
			c.Assert(got.IsAdmin, qt.IsFalse)
			c.Assert(got.PasswordHash, qt.Equals, "y")
			c.Assert(got.Username, qt.Equals, u.Username)

			_, err = st.UpdateUser(ctx, models.User{ID: "user_missing"})
			c.Assert(errors.Is(err, errors.NotFound), qt.IsTrue)
		})
	}
}

func TestMigrateURL(t *testing.T) {
	c := qt.New(t)
	c.Assert(migrateURL("postgres://u:p@h/db?sslmode=disable"), qt.Equals, "pgx5://u:p@h/db?sslmode=disable")
	c.Assert(migrateURL("postgresql://h/db"), qt.Equals, "pgx5://h/db")
}
