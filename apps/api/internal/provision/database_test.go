package provision

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/models"
	"github.com/nebula-panel/nebula/packages/lib/failure"
)

func TestCreateDatabaseRunsStatementsInOrderThenBacksUp(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c)
	ctx := context.Background()

	d, err := h.databases.Create(ctx, alice, DatabaseCreate{Name: "shop_db", Username: "shop_user"})
	c.Assert(err, qt.IsNil)
	c.Assert(d.EngineKind, qt.Equals, models.EngineMySQL)
	c.Assert(d.OwnerID, qt.Equals, alice.ID)
	c.Assert(len(d.EngineSecret), qt.Equals, 32)

	stmts := h.engine.statements()
	c.Assert(stmts, qt.HasLen, 3)
	c.Assert(stmts[0], qt.Matches, "CREATE DATABASE `shop_db`.*")
	c.Assert(stmts[1], qt.Equals, "CREATE USER ?@'localhost' IDENTIFIED BY ?")
	c.Assert(stmts[2], qt.Equals, "GRANT ALL PRIVILEGES ON `shop_db`.* TO ?@'localhost'")

	stored, err := h.databases.Get(ctx, alice, d.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(stored.LifecycleState, qt.Equals, models.StateActive)
	c.Assert(stored.EngineSecret, qt.Not(qt.Equals), d.EngineSecret)

	b, err := h.databases.Backup(ctx, alice, d.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(b.Status, qt.Equals, models.BackupCompleted)
	c.Assert(strings.HasPrefix(b.StoragePath, h.backups+string(filepath.Separator)), qt.IsTrue)
	info, err := os.Stat(b.StoragePath)
	c.Assert(err, qt.IsNil)
	c.Assert(b.SizeBytes, qt.Equals, info.Size())
	c.Assert(b.OwnerID, qt.Equals, alice.ID)

	c.Assert(h.databases.Restore(ctx, alice, d.ID, b.ID), qt.IsNil)
	c.Assert(h.engine.restored, qt.DeepEquals, []string{b.StoragePath})
}

func TestCreateDatabaseGrantFailureLeavesNoRecord(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c)
	ctx := context.Background()
	h.engine.fail["GRANT"] = errors.New("access denied")

	_, err := h.databases.Create(ctx, alice, DatabaseCreate{Name: "shop_db", Username: "shop_user"})
	c.Assert(err, qt.ErrorMatches, ".*access denied")
	c.Assert(failure.FailedStep(err), qt.Equals, "grant")

	_, total, err := h.databases.List(ctx, admin, models.Page{})
	c.Assert(err, qt.IsNil)
	c.Assert(total, qt.Equals, 0)

	delete(h.engine.fail, "GRANT")
	d, err := h.databases.Create(ctx, alice, DatabaseCreate{Name: "shop_db", Username: "shop_user"})
	c.Assert(err, qt.IsNil)
	c.Assert(d.Name, qt.Equals, "shop_db")
}

func TestCreateDatabaseConflictAndValidation(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c)
	ctx := context.Background()

	_, err := h.databases.Create(ctx, alice, DatabaseCreate{Name: "shop_db", Username: "shop_user", Secret: "s3cret-enough"})
	c.Assert(err, qt.IsNil)
	issued := len(h.engine.statements())

	_, err = h.databases.Create(ctx, bob, DatabaseCreate{Name: "shop_db", Username: "other_user"})
	c.Assert(errors.Is(err, errors.AlreadyExists), qt.IsTrue)

	for _, spec := range []DatabaseCreate{
		{Name: "shop-db", Username: "shop_user"},
		{Name: "shop_db2", Username: "x'; DROP USER root; --"},
		{Name: "Shop", Username: "shop_user"},
		{Name: "shop_db3", Username: "shop_user", EngineKind: "oracle"},
	} {
		_, err := h.databases.Create(ctx, alice, spec)
		c.Check(errors.Is(err, errors.NotValid), qt.IsTrue, qt.Commentf("%+v: %v", spec, err))
	}
	c.Assert(h.engine.statements(), qt.HasLen, issued)

	_, err = h.databases.Create(ctx, alice, DatabaseCreate{Name: "pg_db", Username: "pg_user", EngineKind: models.EnginePostgres})
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)
}

func TestDeleteDatabase(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c)
	ctx := context.Background()
	d, err := h.databases.Create(ctx, alice, DatabaseCreate{Name: "shop_db", Username: "shop_user"})
	c.Assert(err, qt.IsNil)

	report, err := h.databases.Delete(ctx, alice, d.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(report.Complete(), qt.IsTrue)
	stmts := h.engine.statements()
	c.Assert(stmts[len(stmts)-2:], qt.DeepEquals, []string{
		"DROP DATABASE IF EXISTS `shop_db`",
		"DROP USER IF EXISTS ?@'localhost'",
	})

	_, err = h.databases.Get(ctx, alice, d.ID)
	c.Assert(errors.Is(err, errors.NotFound), qt.IsTrue)
	_, err = h.databases.Delete(ctx, alice, d.ID)
	c.Assert(errors.Is(err, errors.NotFound), qt.IsTrue)
}

func TestDeleteDatabaseDropUserFailureMarksInactive(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c)
	ctx := context.Background()
	d, err := h.databases.Create(ctx, alice, DatabaseCreate{Name: "shop_db", Username: "shop_user"})
	c.Assert(err, qt.IsNil)
	h.engine.fail["DROP USER"] = errors.New("operation DROP USER failed")

	report, err := h.databases.Delete(ctx, alice, d.ID)
	c.Assert(failure.FailedStep(err), qt.Equals, "drop-user")
	c.Assert(report.Failed(), qt.DeepEquals, []string{"drop-user"})
	out, ok := report.Outcome("record")
	c.Assert(ok, qt.IsTrue)
	c.Assert(out.Status, qt.Equals, StepSkipped)

	kept, err := h.databases.Get(ctx, alice, d.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(kept.LifecycleState, qt.Equals, models.StateInactive)

	delete(h.engine.fail, "DROP USER")
	_, err = h.databases.Delete(ctx, alice, d.ID)
	c.Assert(err, qt.IsNil)
}

func TestDatabaseAccessThroughWebsite(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c)
	ctx := context.Background()
	w := h.createSite(c, alice, "shop.example.com")

	_, err := h.databases.Create(ctx, bob, DatabaseCreate{Name: "bob_db", Username: "bob_user", WebsiteID: w.ID})
	c.Assert(errors.Is(err, errors.Forbidden), qt.IsTrue)

	d, err := h.databases.Create(ctx, alice, DatabaseCreate{Name: "shop_db", Username: "shop_user", WebsiteID: w.ID})
	c.Assert(err, qt.IsNil)
	c.Assert(d.OwnerID, qt.Equals, "")

	_, err = h.databases.Get(ctx, alice, d.ID)
	c.Assert(err, qt.IsNil)
	_, err = h.databases.Get(ctx, bob, d.ID)
	c.Assert(errors.Is(err, errors.Forbidden), qt.IsTrue)
	_, err = h.databases.Delete(ctx, bob, d.ID)
	c.Assert(errors.Is(err, errors.Forbidden), qt.IsTrue)
	_, err = h.databases.Backup(ctx, bob, d.ID)
	c.Assert(errors.Is(err, errors.Forbidden), qt.IsTrue)

	dbs, total, err := h.databases.List(ctx, alice, models.Page{})
	c.Assert(err, qt.IsNil)
	c.Assert(total, qt.Equals, 1)
	c.Assert(dbs[0].ID, qt.Equals, d.ID)
	_, total, err = h.databases.List(ctx, bob, models.Page{})
	c.Assert(err, qt.IsNil)
	c.Assert(total, qt.Equals, 0)
}

func TestUpdateDatabaseSecret(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c)
	ctx := context.Background()
	d, err := h.databases.Create(ctx, alice, DatabaseCreate{Name: "shop_db", Username: "shop_user"})
	c.Assert(err, qt.IsNil)

	short := "short"
	_, err = h.databases.Update(ctx, alice, d.ID, DatabasePatch{Secret: &short})
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)

	secret := "a-much-better-secret"
	_, err = h.databases.Update(ctx, alice, d.ID, DatabasePatch{Secret: &secret})
	c.Assert(err, qt.IsNil)
	stmts := h.engine.statements()
	c.Assert(stmts[len(stmts)-1], qt.Equals, "ALTER USER ?@'localhost' IDENTIFIED BY ?")

	stored, err := h.Store().GetDatabase(ctx, d.ID)
	c.Assert(err, qt.IsNil)
	plain, err := h.databases.sealer.Open(stored.EngineSecret)
	c.Assert(err, qt.IsNil)
	c.Assert(plain, qt.Equals, secret)
}

func TestDatabaseStatsAndMaintenance(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c)
	ctx := context.Background()
	d, err := h.databases.Create(ctx, alice, DatabaseCreate{Name: "shop_db", Username: "shop_user"})
	c.Assert(err, qt.IsNil)
	h.engine.tables = []string{"orders", "products"}

	st, err := h.databases.Stats(ctx, alice, d.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(st, qt.DeepEquals, DatabaseStats{SizeBytes: 16384, TableCount: 2})

	h.engine.fail["OPTIMIZE TABLE `shop_db`.`products`"] = errors.New("table is read only")
	results, err := h.databases.Optimize(ctx, alice, d.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(results, qt.DeepEquals, []TableResult{
		{Table: "orders"},
		{Table: "products", Error: "table is read only"},
	})

	c.Assert(h.databases.Verify(ctx, alice, d.ID), qt.IsNil)
}
