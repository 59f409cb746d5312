// Package coordinator runs the workflows that span resource kinds and owns
// the host sampler's lifecycle.
package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/access"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/certs"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/svcctl"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/webserver"
	"github.com/nebula-panel/nebula/apps/api/internal/archive"
	"github.com/nebula-panel/nebula/apps/api/internal/models"
	"github.com/nebula-panel/nebula/apps/api/internal/monitor"
	"github.com/nebula-panel/nebula/apps/api/internal/provision"
	"github.com/nebula-panel/nebula/packages/lib/hostexec"
)

// ManagedServices are the units an admin may inspect and restart.
var ManagedServices = []string{"nginx", "apache2", "mysql", "postgresql", "postfix", "dovecot", "docker"}

type Coordinator struct {
	provision.Deps
	databases       *provision.DatabaseService
	web             webserver.Server
	issuer          certs.Issuer
	services        svcctl.Controller
	sampler         *monitor.Sampler
	backups         provision.BackupConfig
	runner          hostexec.Runner
	mail            MailPreparer
	toolTimeout     time.Duration
	longToolTimeout time.Duration
}

type Config struct {
	Databases *provision.DatabaseService
	Web       webserver.Server
	Issuer    certs.Issuer
	Services  svcctl.Controller
	Sampler   *monitor.Sampler
	Backups   provision.BackupConfig

	// Runner runs package and journal tools. Without one the update, log
	// and mail setup operations are unsupported.
	Runner          hostexec.Runner
	Mail            MailPreparer
	ToolTimeout     time.Duration
	LongToolTimeout time.Duration
}

func New(deps provision.Deps, cfg Config) *Coordinator {
	return &Coordinator{
		Deps:            deps,
		databases:       cfg.Databases,
		web:             cfg.Web,
		issuer:          cfg.Issuer,
		services:        cfg.Services,
		sampler:         cfg.Sampler,
		backups:         cfg.Backups,
		runner:          cfg.Runner,
		mail:            cfg.Mail,
		toolTimeout:     cfg.ToolTimeout,
		longToolTimeout: cfg.LongToolTimeout,
	}
}

// Start starts the sampler. It is called once by the process that owns the
// coordinator.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.sampler == nil {
		return nil
	}
	return c.sampler.Start(ctx)
}

func (c *Coordinator) Stop() error {
	if c.sampler == nil {
		return nil
	}
	return c.sampler.Stop()
}

// Latest returns the last host sample, if one has been taken.
func (c *Coordinator) Latest() (monitor.Sample, bool) {
	if c.sampler == nil {
		return monitor.Sample{}, false
	}
	return c.sampler.Latest()
}

func (c *Coordinator) allWebsites(ctx context.Context) ([]models.Website, error) {
	var out []models.Website
	for {
		page, total, err := c.Store.ListWebsites(ctx, models.ListFilter{Page: models.Page{Offset: len(out), Limit: models.MaxPageLimit}})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) == 0 || len(out) >= total {
			return out, nil
		}
	}
}

func (c *Coordinator) standaloneDatabases(ctx context.Context) ([]models.Database, error) {
	var all, out []models.Database
	for {
		page, total, err := c.Store.ListDatabases(ctx, models.ListFilter{Page: models.Page{Offset: len(all), Limit: models.MaxPageLimit}})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) == 0 || len(all) >= total {
			break
		}
	}
	for _, d := range all {
		if d.WebsiteID == "" {
			out = append(out, d)
		}
	}
	return out, nil
}

// FullBackup archives every website tree together with a fresh dump of
// every database, in the order websites, their databases, standalone
// databases. Any failure fails the whole backup.
func (c *Coordinator) FullBackup(ctx context.Context, actor access.Actor) (b models.Backup, err error) {
	defer func(start time.Time) { c.Metrics.Observe("system", "full_backup", start, err) }(time.Now())

	if err := c.Gate.Admin(actor); err != nil {
		return models.Backup{}, err
	}
	// The id keeps archives and staging dirs apart within one second.
	id := uuid.NewString()
	stamp := c.Now().Format("20060102_150405")
	name := "full_" + stamp + "_" + id[:8] + archive.Extension(c.backups.Recipients)
	b, err = c.Store.CreateBackup(ctx, models.Backup{
		ID:          "backup_" + id,
		Name:        name,
		SubjectKind: models.BackupFullSystem,
		StoragePath: filepath.Join(c.backups.Root, "system", name),
		Status:      models.BackupInProgress,
	})
	if err != nil {
		return models.Backup{}, errors.Annotate(err, "record backup")
	}

	staging := filepath.Join(c.backups.Root, "system", ".staging-"+id)
	defer os.RemoveAll(staging)

	size, err := c.gather(ctx, b.StoragePath, staging)
	b.Status, b.SizeBytes = models.BackupCompleted, size
	if err != nil {
		b.Status, b.SizeBytes, b.Error = models.BackupFailed, 0, err.Error()
		c.Logger.Error().Err(err).Str("backup", name).Msg("full backup failed")
	}
	updated, uerr := c.Store.UpdateBackup(ctx, b)
	if uerr != nil {
		if err == nil {
			err = errors.Annotate(uerr, "record backup")
		}
		return b, err
	}
	if err == nil {
		c.Audit(ctx, actor, "system.backup", updated.ID, name)
	}
	return updated, err
}

func (c *Coordinator) gather(ctx context.Context, path, staging string) (int64, error) {
	sites, err := c.allWebsites(ctx)
	if err != nil {
		return 0, err
	}
	var sources []archive.Source
	for _, w := range sites {
		if _, err := os.Stat(w.DocumentRoot); err == nil {
			sources = append(sources, archive.Source{Dir: w.DocumentRoot, Prefix: filepath.Join("websites", w.Domain)})
		} else if !os.IsNotExist(err) {
			return 0, errors.Trace(err)
		}
		dbs, err := c.Store.ListDatabasesByWebsite(ctx, w.ID)
		if err != nil {
			return 0, err
		}
		if len(dbs) == 0 {
			continue
		}
		dir := filepath.Join(staging, w.Domain)
		for _, d := range dbs {
			if _, err := c.databases.DumpTo(ctx, d, dir); err != nil {
				return 0, err
			}
		}
		sources = append(sources, archive.Source{Dir: dir, Prefix: filepath.Join("databases", w.Domain)})
	}
	standalone, err := c.standaloneDatabases(ctx)
	if err != nil {
		return 0, err
	}
	if len(standalone) > 0 {
		dir := filepath.Join(staging, "standalone")
		for _, d := range standalone {
			if _, err := c.databases.DumpTo(ctx, d, dir); err != nil {
				return 0, err
			}
		}
		sources = append(sources, archive.Source{Dir: dir, Prefix: filepath.Join("databases", "standalone")})
	}
	return archive.CreateFile(path, sources, c.backups.Recipients)
}

type RenewResult struct {
	Domain string `json:"domain"`
	Error  string `json:"error,omitempty"`
}

// RenewCertificates renews every TLS-enabled website and reloads the web
// server once if anything was renewed.
func (c *Coordinator) RenewCertificates(ctx context.Context) (results []RenewResult, err error) {
	defer func(start time.Time) { c.Metrics.Observe("system", "renew_certificates", start, err) }(time.Now())

	sites, err := c.allWebsites(ctx)
	if err != nil {
		return nil, err
	}
	renewed := 0
	for _, w := range sites {
		if !w.TLSEnabled {
			continue
		}
		r := RenewResult{Domain: w.Domain}
		if err := c.issuer.Renew(ctx, w.Domain); err != nil {
			r.Error = err.Error()
			c.Logger.Warn().Err(err).Str("domain", w.Domain).Msg("certificate renewal failed")
		} else {
			renewed++
		}
		results = append(results, r)
	}
	if renewed > 0 {
		if err := c.web.Reload(ctx); err != nil {
			return results, errors.Annotate(err, "reload after renewal")
		}
	}
	c.Logger.Info().Int("renewed", renewed).Int("tls_sites", len(results)).Msg("certificate renewal pass")
	return results, nil
}

type ServiceState struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// ServiceStatus reports the systemd state of every managed service. A unit
// that cannot be queried is reported with its error.
func (c *Coordinator) ServiceStatus(ctx context.Context, actor access.Actor) ([]ServiceState, error) {
	if err := c.Gate.Admin(actor); err != nil {
		return nil, err
	}
	out := make([]ServiceState, 0, len(ManagedServices))
	for _, name := range ManagedServices {
		st := ServiceState{Name: name}
		state, err := c.services.ActiveState(ctx, name)
		if err != nil {
			st.State, st.Error = "unknown", err.Error()
		} else {
			st.State = state
		}
		out = append(out, st)
	}
	return out, nil
}

func (c *Coordinator) RestartService(ctx context.Context, actor access.Actor, name string) (err error) {
	defer func(start time.Time) { c.Metrics.Observe("system", "restart_service", start, err) }(time.Now())

	if err := c.Gate.Admin(actor); err != nil {
		return err
	}
	if !slices.Contains(ManagedServices, name) {
		return errors.NotValidf("service %q", name)
	}
	if err := c.services.Restart(ctx, name); err != nil {
		return err
	}
	c.Audit(ctx, actor, "system.restart", name, "")
	return nil
}

// Backups lists backup records; non-admins see only their own.
func (c *Coordinator) Backups(ctx context.Context, actor access.Actor, p models.Page) ([]models.Backup, int, error) {
	out, total, err := c.Store.ListBackups(ctx, c.Gate.Filter(actor, p))
	return out, total, errors.Trace(err)
}

func (c *Coordinator) AuditLog(ctx context.Context, actor access.Actor, p models.Page) ([]models.AuditLog, error) {
	if err := c.Gate.Admin(actor); err != nil {
		return nil, err
	}
	out, err := c.Store.ListAudit(ctx, p)
	return out, errors.Trace(err)
}
