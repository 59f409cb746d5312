// Package app wires the configured store, command runner, adapters and
// services into one graph shared by the nebula-api subcommands.
package app

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/nebula-panel/nebula/apps/api/internal/access"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/certs"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/containers"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/dbengine"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/mail"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/svcctl"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/webserver"
	"github.com/nebula-panel/nebula/apps/api/internal/archive"
	"github.com/nebula-panel/nebula/apps/api/internal/config"
	"github.com/nebula-panel/nebula/apps/api/internal/coordinator"
	"github.com/nebula-panel/nebula/apps/api/internal/metrics"
	"github.com/nebula-panel/nebula/apps/api/internal/models"
	"github.com/nebula-panel/nebula/apps/api/internal/monitor"
	"github.com/nebula-panel/nebula/apps/api/internal/provision"
	"github.com/nebula-panel/nebula/apps/api/internal/store"
	"github.com/nebula-panel/nebula/packages/lib/hostexec"
	"github.com/nebula-panel/nebula/packages/lib/logging"
	"github.com/nebula-panel/nebula/packages/lib/secrets"
)

type App struct {
	Config  config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Store   store.Store
	Gate    *access.Gate

	Accounts    *provision.AccountService
	Websites    *provision.WebsiteService
	Databases   *provision.DatabaseService
	Email       *provision.EmailService
	Containers  *provision.ContainerService
	Coordinator *coordinator.Coordinator

	closers []func() error
}

// New builds the service graph. The caller owns the result and must Close
// it. Nothing is started.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, errors.Annotate(err, "open store")
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)
	a.Gate = access.NewGate(st)

	sealer, err := secrets.NewSealer(cfg.AppKey)
	if err != nil {
		return nil, errors.Annotate(err, "app key")
	}
	recipients, err := archive.ParseRecipients(cfg.Backups.Recipients)
	if err != nil {
		return nil, errors.Annotate(err, "backup recipients")
	}
	backups := provision.BackupConfig{Root: cfg.Backups.Root, Recipients: recipients}

	runner := a.runner()
	services := a.serviceControl(runner)

	web, err := webserver.New(webserver.Config{
		Flavor:       webserver.Flavor(cfg.Web.Server),
		AvailableDir: cfg.Web.AvailableDir,
		EnabledDir:   cfg.Web.EnabledDir,
		ACMEWebroot:  cfg.TLS.ACMEWebroot,
		Timeout:      cfg.Timeouts.Tool,
	}, runner, services)
	if err != nil {
		return nil, errors.Trace(err)
	}
	issuer := certs.NewCertbot(certs.Config{
		Webroot: cfg.TLS.ACMEWebroot,
		LiveDir: cfg.TLS.LiveDir,
		Staging: cfg.TLS.Staging,
		Timeout: cfg.Timeouts.LongTool,
	}, runner)

	engines, err := a.engines(runner)
	if err != nil {
		return nil, errors.Trace(err)
	}

	deps := provision.Deps{
		Store:   st,
		Gate:    a.Gate,
		Clock:   clock.WallClock,
		Metrics: a.Metrics,
		Logger:  logging.Component(logger, "provision"),
	}
	a.Accounts = provision.NewAccountService(deps, cfg.SessionTTL)
	a.Databases = provision.NewDatabaseService(deps, provision.DatabaseConfig{
		DefaultEngine: models.EngineKind(cfg.Databases.DefaultEngine),
		Backups:       backups,
	}, engines, sealer)
	a.Websites = provision.NewWebsiteService(deps, provision.WebsiteConfig{
		WebRoot:           cfg.Web.Root,
		ServingGroup:      cfg.Web.ServingGroup,
		DefaultPHPVersion: cfg.Web.DefaultPHPVersion,
		ContactEmail:      cfg.TLS.ContactEmail,
		WordPressURL:      cfg.Web.WordPressURL,
		ToolTimeout:       cfg.Timeouts.Tool,
		Backups:           backups,
	}, web, issuer, runner, provision.NewHTTPFetcher(cfg.Timeouts.LongTool), a.Databases)
	postfix := mail.NewPostfix(mail.Config{
		PasswdFile: cfg.Mail.PasswdFile,
		MailboxMap: cfg.Mail.MailboxMap,
		DomainsMap: cfg.Mail.DomainsMap,
		MailRoot:   cfg.Mail.MailRoot,
		Timeout:    cfg.Timeouts.Tool,
	}, runner, services)
	a.Email = provision.NewEmailService(deps, postfix)
	a.Containers = provision.NewContainerService(deps, containers.NewDocker(containers.Config{
		Binary:         cfg.Exec.DockerBinary,
		ComposeRoot:    cfg.Exec.ComposeRoot,
		Timeout:        cfg.Timeouts.Tool,
		ComposeTimeout: cfg.Timeouts.Compose,
		PullTimeout:    cfg.Timeouts.LongTool,
	}, runner), cfg.Web.Root)

	sampler := monitor.NewSampler(
		monitor.HostCollector{DiskPath: cfg.Sampler.DiskPath, Clock: clock.WallClock},
		clock.WallClock, a.Metrics, logging.Component(logger, "sampler"),
		monitor.Config{Interval: cfg.Sampler.Interval, Backoff: cfg.Sampler.Backoff},
	)
	coordDeps := deps
	coordDeps.Logger = logging.Component(logger, "coordinator")
	a.Coordinator = coordinator.New(coordDeps, coordinator.Config{
		Databases: a.Databases,
		Web:       web,
		Issuer:    issuer,
		Services:  services,
		Sampler:   sampler,
		Backups:   backups,

		Runner:          runner,
		Mail:            postfix,
		ToolTimeout:     cfg.Timeouts.Tool,
		LongToolTimeout: cfg.Timeouts.LongTool,
	})
	return a, nil
}

func (a *App) runner() hostexec.Runner {
	if a.Config.Exec.Mode == "agent" {
		return hostexec.NewAgent(a.Config.Exec.AgentSocket, a.Config.Exec.AgentSecret, a.Config.Timeouts.Tool)
	}
	return hostexec.NewLocal(a.Config.Timeouts.Tool, a.Config.Exec.DryRun, logging.Component(a.Logger, "hostexec"))
}

func (a *App) serviceControl(runner hostexec.Runner) svcctl.Controller {
	if a.Config.Exec.ServiceCtl == "dbus" {
		return svcctl.NewDBus(a.Config.Timeouts.Tool)
	}
	return svcctl.NewSystemctl(runner, a.Config.Timeouts.Tool)
}

func (a *App) engines(runner hostexec.Runner) (dbengine.Registry, error) {
	engineConfig := func(e config.Engine) dbengine.Config {
		return dbengine.Config{
			Host:          e.Host,
			Port:          e.Port,
			AdminUser:     e.User,
			AdminPassword: e.Password,
			Timeout:       a.Config.Timeouts.Tool,
			DumpTimeout:   a.Config.Timeouts.LongTool,
		}
	}
	my, err := dbengine.NewMySQL(engineConfig(a.Config.Databases.MySQL), runner)
	if err != nil {
		return nil, errors.Trace(err)
	}
	a.closers = append(a.closers, my.Close)
	return dbengine.Registry{
		models.EngineMySQL:    my,
		models.EnginePostgres: dbengine.NewPostgres(engineConfig(a.Config.Databases.Postgres), runner),
	}, nil
}

// Bootstrap creates the configured admin account when no admin exists yet.
func (a *App) Bootstrap(ctx context.Context) error {
	if a.Config.Admin.Password == "" {
		return nil
	}
	created, err := a.Accounts.Bootstrap(ctx, a.Config.Admin.Username, a.Config.Admin.Password)
	if err != nil {
		return errors.Annotate(err, "bootstrap admin")
	}
	if created {
		a.Logger.Info().Str("username", a.Config.Admin.Username).Msg("created initial admin")
	}
	return nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
