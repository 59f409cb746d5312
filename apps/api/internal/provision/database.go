package provision

import (
	"context"
	"path/filepath"
	"time"

	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/access"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/dbengine"
	"github.com/nebula-panel/nebula/apps/api/internal/models"
	"github.com/nebula-panel/nebula/packages/lib/failure"
	"github.com/nebula-panel/nebula/packages/lib/secrets"
	"github.com/nebula-panel/nebula/packages/lib/validate"
)

type DatabaseCreate struct {
	Name       string            `json:"name" validate:"required,dbident"`
	Username   string            `json:"username" validate:"required,dbident"`
	Secret     string            `json:"secret" validate:"omitempty,min=8,max=128"`
	EngineKind models.EngineKind `json:"engine_kind" validate:"omitempty,oneof=mysql postgresql"`
	WebsiteID  string            `json:"website_id"`
}

type DatabasePatch struct {
	Secret         *string                `json:"secret"`
	LifecycleState *models.LifecycleState `json:"lifecycle_state"`
}

type DatabaseStats struct {
	SizeBytes  int64 `json:"size_bytes"`
	TableCount int   `json:"table_count"`
	// Connections and QueriesPerSecond are not measured and always zero.
	Connections      int     `json:"connections"`
	QueriesPerSecond float64 `json:"queries_per_second"`
}

// TableResult is the outcome of one maintenance statement.
type TableResult struct {
	Table string `json:"table"`
	Error string `json:"error,omitempty"`
}

type DatabaseConfig struct {
	DefaultEngine models.EngineKind
	Backups       BackupConfig
}

type DatabaseService struct {
	Deps
	cfg     DatabaseConfig
	engines dbengine.Registry
	sealer  *secrets.Sealer
}

func NewDatabaseService(deps Deps, cfg DatabaseConfig, engines dbengine.Registry, sealer *secrets.Sealer) *DatabaseService {
	if cfg.DefaultEngine == "" {
		cfg.DefaultEngine = models.EngineMySQL
	}
	return &DatabaseService{Deps: deps, cfg: cfg, engines: engines, sealer: sealer}
}

// Create issues create-schema, create-user and grant, then stores the
// record. A failed statement leaves no record; statements that already ran
// are not undone, and the error names the step that failed.
func (s *DatabaseService) Create(ctx context.Context, actor access.Actor, spec DatabaseCreate) (d models.Database, err error) {
	defer func(start time.Time) { s.Metrics.Observe("database", "create", start, err) }(time.Now())

	if err := validate.Struct(spec); err != nil {
		return models.Database{}, err
	}
	if spec.EngineKind == "" {
		spec.EngineKind = s.cfg.DefaultEngine
	}
	d = models.Database{
		Name:           spec.Name,
		EngineUsername: spec.Username,
		EngineKind:     spec.EngineKind,
		LifecycleState: models.StateActive,
	}
	if spec.WebsiteID != "" {
		w, err := s.Store.GetWebsite(ctx, spec.WebsiteID)
		if err != nil {
			return models.Database{}, errors.Annotate(err, "owning website")
		}
		if err := s.Gate.Website(actor, w); err != nil {
			return models.Database{}, err
		}
		d.WebsiteID = w.ID
	} else {
		d.OwnerID = actor.ID
	}
	engine, err := s.engines.Get(spec.EngineKind)
	if err != nil {
		return models.Database{}, err
	}
	if _, err := s.Store.GetDatabaseByName(ctx, spec.Name); err == nil {
		return models.Database{}, errors.AlreadyExistsf("database %q", spec.Name)
	} else if !errors.Is(err, errors.NotFound) {
		return models.Database{}, errors.Trace(err)
	}

	secret := spec.Secret
	if secret == "" {
		secret = secrets.Random(24)
	}
	sealed, err := s.sealer.Seal(secret)
	if err != nil {
		return models.Database{}, errors.Trace(err)
	}

	dialect := engine.Dialect()
	steps := []struct {
		name string
		st   dbengine.Statement
	}{
		{"create-schema", dialect.CreateSchema(spec.Name)},
		{"create-user", dialect.CreateUser(spec.Username, secret)},
		{"grant", dialect.Grant(spec.Name, spec.Username)},
	}
	for _, step := range steps {
		s.Logger.Debug().Str("database", spec.Name).Str("step", step.name).Msg("create database")
		if err := engine.ExecAdmin(ctx, step.st); err != nil {
			return models.Database{}, failure.AtStep(step.name, errors.Annotatef(err, "create database %s", spec.Name))
		}
	}

	d.EngineSecret = sealed
	d, err = s.Store.CreateDatabase(ctx, d)
	if err != nil {
		return models.Database{}, failure.AtStep("persist", errors.Annotatef(err, "create database %s", spec.Name))
	}
	s.Audit(ctx, actor, "database.create", d.ID, d.Name)
	d.EngineSecret = secret
	return d, nil
}

func (s *DatabaseService) load(ctx context.Context, actor access.Actor, id string) (models.Database, error) {
	d, err := s.Store.GetDatabase(ctx, id)
	if err != nil {
		return models.Database{}, err
	}
	if err := s.Gate.Database(ctx, actor, d); err != nil {
		return models.Database{}, err
	}
	return d, nil
}

func (s *DatabaseService) Get(ctx context.Context, actor access.Actor, id string) (models.Database, error) {
	return s.load(ctx, actor, id)
}

func (s *DatabaseService) List(ctx context.Context, actor access.Actor, p models.Page) ([]models.Database, int, error) {
	return s.Store.ListDatabases(ctx, s.Gate.Filter(actor, p))
}

// Update changes the engine credential before storing the new secret, so
// the record never holds a secret the engine would reject. If storing
// fails, the engine credential is put back.
func (s *DatabaseService) Update(ctx context.Context, actor access.Actor, id string, patch DatabasePatch) (d models.Database, err error) {
	defer func(start time.Time) { s.Metrics.Observe("database", "update", start, err) }(time.Now())

	d, err = s.load(ctx, actor, id)
	if err != nil {
		return models.Database{}, err
	}
	if patch.LifecycleState != nil {
		if !patch.LifecycleState.Valid() {
			return models.Database{}, errors.NotValidf("lifecycle state %q", *patch.LifecycleState)
		}
		d.LifecycleState = *patch.LifecycleState
	}
	if patch.Secret == nil {
		d, err = s.Store.UpdateDatabase(ctx, d)
		return d, errors.Annotatef(err, "update database %s", id)
	}

	if l := len(*patch.Secret); l < 8 || l > 128 {
		return models.Database{}, errors.NotValidf("secret length")
	}
	engine, err := s.engines.Get(d.EngineKind)
	if err != nil {
		return models.Database{}, err
	}
	previous, err := s.sealer.Open(d.EngineSecret)
	if err != nil {
		return models.Database{}, errors.Annotate(err, "open stored secret")
	}
	sealed, err := s.sealer.Seal(*patch.Secret)
	if err != nil {
		return models.Database{}, errors.Trace(err)
	}
	if err := engine.ExecAdmin(ctx, engine.Dialect().AlterSecret(d.EngineUsername, *patch.Secret)); err != nil {
		return models.Database{}, failure.AtStep("alter-secret", err)
	}
	d.EngineSecret = sealed
	updated, err := s.Store.UpdateDatabase(ctx, d)
	if err != nil {
		if rerr := engine.ExecAdmin(ctx, engine.Dialect().AlterSecret(d.EngineUsername, previous)); rerr != nil {
			s.Logger.Error().Err(rerr).Str("database", d.Name).Msg("engine secret could not be restored; record and engine disagree")
		}
		return models.Database{}, failure.AtStep("persist", errors.Annotatef(err, "update database %s", d.Name))
	}
	s.Audit(ctx, actor, "database.update", d.ID, "secret rotated")
	return updated, nil
}

// Delete drops the schema, then the user, then the record.
func (s *DatabaseService) Delete(ctx context.Context, actor access.Actor, id string) (report Report, err error) {
	defer func(start time.Time) { s.Metrics.Observe("database", "delete", start, err) }(time.Now())

	d, err := s.load(ctx, actor, id)
	if err != nil {
		return Report{}, err
	}
	report, err = s.remove(ctx, d)
	if err == nil {
		s.Audit(ctx, actor, "database.delete", d.ID, d.Name)
	}
	return report, err
}

// remove is the delete workflow without the access check; website deletion
// reuses it. When the schema drop fails nothing has changed and the record
// stays as is. When only the user drop fails the schema is gone, so the
// record is kept but marked inactive; both drops use IF EXISTS and a retry
// finishes the job.
func (s *DatabaseService) remove(ctx context.Context, d models.Database) (Report, error) {
	var report Report
	engine, err := s.engines.Get(d.EngineKind)
	if err != nil {
		return report, err
	}
	dialect := engine.Dialect()

	if err := report.record("drop-schema", engine.ExecAdmin(ctx, dialect.DropSchema(d.Name))); err != nil {
		report.skip("drop-user", "schema still present")
		report.skip("record", "schema still present")
		return report, failure.AtStep("drop-schema", errors.Annotatef(err, "delete database %s", d.Name))
	}
	if err := report.record("drop-user", engine.ExecAdmin(ctx, dialect.DropUser(d.EngineUsername))); err != nil {
		d.LifecycleState = models.StateInactive
		if _, uerr := s.Store.UpdateDatabase(ctx, d); uerr != nil {
			s.Logger.Error().Err(uerr).Str("database", d.Name).Msg("mark database inactive")
		}
		report.skip("record", "engine user still present; record marked inactive")
		return report, failure.AtStep("drop-user", errors.Annotatef(err, "delete database %s", d.Name))
	}
	if err := report.record("record", s.Store.DeleteDatabase(ctx, d.ID)); err != nil {
		return report, failure.AtStep("record", err)
	}
	return report, nil
}

func (s *DatabaseService) credentials(d models.Database) (dbengine.Engine, string, error) {
	engine, err := s.engines.Get(d.EngineKind)
	if err != nil {
		return nil, "", err
	}
	secret, err := s.sealer.Open(d.EngineSecret)
	if err != nil {
		return nil, "", errors.Annotate(err, "open stored secret")
	}
	return engine, secret, nil
}

// Backup dumps the database under the backup root. The recorded size is
// the size of the dump file.
func (s *DatabaseService) Backup(ctx context.Context, actor access.Actor, id string) (b models.Backup, err error) {
	defer func(start time.Time) { s.Metrics.Observe("database", "backup", start, err) }(time.Now())

	d, err := s.load(ctx, actor, id)
	if err != nil {
		return models.Backup{}, err
	}
	b, err = s.dump(ctx, d, filepath.Join(s.cfg.Backups.Root, "databases"))
	if err == nil {
		s.Audit(ctx, actor, "database.backup", d.ID, b.Name)
	}
	return b, err
}

func (s *DatabaseService) dump(ctx context.Context, d models.Database, dir string) (models.Backup, error) {
	engine, secret, err := s.credentials(d)
	if err != nil {
		return models.Backup{}, err
	}
	req := dbengine.DumpRequest{Name: d.Name, User: d.EngineUsername, Secret: secret, Dir: dir, At: s.Now()}
	b, err := s.Store.CreateBackup(ctx, models.Backup{
		Name:        d.Name + "_" + req.At.Format(backupStamp) + ".sql",
		SubjectKind: models.BackupDatabase,
		SubjectID:   d.ID,
		Status:      models.BackupInProgress,
		OwnerID:     s.owner(ctx, d),
	})
	if err != nil {
		return models.Backup{}, errors.Annotate(err, "record backup")
	}
	if err := ensureDir(dir); err != nil {
		return s.finishBackup(ctx, b, 0, err)
	}
	path, err := engine.Dump(ctx, req)
	if err != nil {
		return s.finishBackup(ctx, b, 0, err)
	}
	b.StoragePath, b.Name = path, filepath.Base(path)
	size, err := fileSize(path)
	return s.finishBackup(ctx, b, size, err)
}

// DumpTo writes a dump of d into dir without recording a Backup row. Full
// system backups use it to gather dumps before archiving them.
func (s *DatabaseService) DumpTo(ctx context.Context, d models.Database, dir string) (string, error) {
	engine, secret, err := s.credentials(d)
	if err != nil {
		return "", err
	}
	if err := ensureDir(dir); err != nil {
		return "", err
	}
	path, err := engine.Dump(ctx, dbengine.DumpRequest{Name: d.Name, User: d.EngineUsername, Secret: secret, Dir: dir, At: s.Now()})
	return path, errors.Annotatef(err, "dump database %s", d.Name)
}

// owner resolves who may see backups of d.
func (s *DatabaseService) owner(ctx context.Context, d models.Database) string {
	if d.OwnerID != "" || d.WebsiteID == "" {
		return d.OwnerID
	}
	w, err := s.Store.GetWebsite(ctx, d.WebsiteID)
	if err != nil {
		return ""
	}
	return w.OwnerID
}

// Restore loads a completed dump of this database back into it.
func (s *DatabaseService) Restore(ctx context.Context, actor access.Actor, id, backupID string) (err error) {
	defer func(start time.Time) { s.Metrics.Observe("database", "restore", start, err) }(time.Now())

	d, err := s.load(ctx, actor, id)
	if err != nil {
		return err
	}
	b, err := s.Store.GetBackup(ctx, backupID)
	if err != nil {
		return err
	}
	if b.SubjectKind != models.BackupDatabase || b.SubjectID != d.ID {
		return errors.NotValidf("backup %s is not a dump of database %s", b.ID, d.Name)
	}
	if b.Status != models.BackupCompleted {
		return errors.NotValidf("backup %s is %s", b.ID, b.Status)
	}
	engine, secret, err := s.credentials(d)
	if err != nil {
		return err
	}
	err = engine.Restore(ctx, dbengine.RestoreRequest{Name: d.Name, User: d.EngineUsername, Secret: secret, Path: b.StoragePath})
	if err != nil {
		return errors.Annotatef(err, "restore database %s", d.Name)
	}
	s.Audit(ctx, actor, "database.restore", d.ID, b.Name)
	return nil
}

func (s *DatabaseService) Stats(ctx context.Context, actor access.Actor, id string) (DatabaseStats, error) {
	d, err := s.load(ctx, actor, id)
	if err != nil {
		return DatabaseStats{}, err
	}
	engine, err := s.engines.Get(d.EngineKind)
	if err != nil {
		return DatabaseStats{}, err
	}
	size, err := dbengine.Size(ctx, engine, d.Name)
	if err != nil {
		return DatabaseStats{}, errors.Annotatef(err, "stats for %s", d.Name)
	}
	tables, err := engine.QueryAdmin(ctx, engine.Dialect().ListTables(d.Name))
	if err != nil {
		return DatabaseStats{}, errors.Annotatef(err, "stats for %s", d.Name)
	}
	return DatabaseStats{SizeBytes: size, TableCount: len(tables)}, nil
}

// Verify checks that the stored credential still logs in.
func (s *DatabaseService) Verify(ctx context.Context, actor access.Actor, id string) error {
	d, err := s.load(ctx, actor, id)
	if err != nil {
		return err
	}
	engine, secret, err := s.credentials(d)
	if err != nil {
		return err
	}
	st := engine.Dialect().Ping()
	st.Database = d.Name
	return errors.Annotatef(engine.ExecAs(ctx, d.EngineUsername, secret, st), "verify database %s", d.Name)
}

func (s *DatabaseService) Optimize(ctx context.Context, actor access.Actor, id string) ([]TableResult, error) {
	return s.maintain(ctx, actor, id, "optimize", dbengine.Dialect.Optimize)
}

func (s *DatabaseService) Repair(ctx context.Context, actor access.Actor, id string) ([]TableResult, error) {
	return s.maintain(ctx, actor, id, "repair", dbengine.Dialect.Repair)
}

// maintain runs one statement per table. A failing table does not stop the
// others.
func (s *DatabaseService) maintain(ctx context.Context, actor access.Actor, id, op string, build func(dbengine.Dialect, string, string) dbengine.Statement) (results []TableResult, err error) {
	defer func(start time.Time) { s.Metrics.Observe("database", op, start, err) }(time.Now())

	d, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	engine, err := s.engines.Get(d.EngineKind)
	if err != nil {
		return nil, err
	}
	tables, err := engine.QueryAdmin(ctx, engine.Dialect().ListTables(d.Name))
	if err != nil {
		return nil, errors.Annotatef(err, "%s %s: list tables", op, d.Name)
	}
	results = make([]TableResult, 0, len(tables))
	for _, t := range tables {
		r := TableResult{Table: t}
		if err := engine.ExecAdmin(ctx, build(engine.Dialect(), d.Name, t)); err != nil {
			r.Error = err.Error()
			s.Logger.Warn().Err(err).Str("database", d.Name).Str("table", t).Msg(op + " failed")
		}
		results = append(results, r)
	}
	return results, nil
}
