package provision

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/access"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/certs"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/webserver"
	"github.com/nebula-panel/nebula/apps/api/internal/archive"
	"github.com/nebula-panel/nebula/apps/api/internal/models"
	"github.com/nebula-panel/nebula/apps/api/internal/security"
	"github.com/nebula-panel/nebula/packages/lib/failure"
	"github.com/nebula-panel/nebula/packages/lib/hostexec"
	"github.com/nebula-panel/nebula/packages/lib/validate"
)

type WebsiteCreate struct {
	Domain         string             `json:"domain" validate:"required,domain"`
	Name           string             `json:"name" validate:"max=128"`
	Kind           models.WebsiteKind `json:"kind" validate:"required,oneof=wordpress php static python-app container"`
	RuntimeVersion string             `json:"runtime_version" validate:"omitempty,max=16"`
	DocumentRoot   string             `json:"document_root" validate:"omitempty,startswith=/"`
	Port           int                `json:"port" validate:"omitempty,min=1024,max=65535"`
	// OwnerID lets an admin create a site for another user.
	OwnerID string `json:"owner_id"`
}

// WebsitePatch changes only the fields that are set.
type WebsitePatch struct {
	Name           *string                `json:"name"`
	LifecycleState *models.LifecycleState `json:"lifecycle_state"`
	RuntimeVersion *string                `json:"runtime_version"`
	TLSEnabled     *bool                  `json:"tls_enabled"`
}

type WebsiteStats struct {
	DiskUsageBytes int64          `json:"disk_usage_bytes"`
	FileCount      int64          `json:"file_count"`
	LastBackup     *models.Backup `json:"last_backup,omitempty"`
}

type WebsiteConfig struct {
	WebRoot string

	// ServingGroup is the web server's group. Site trees are handed to it
	// while the panel user keeps ownership.
	ServingGroup      string
	DefaultPHPVersion string
	ContactEmail      string
	WordPressURL      string
	ToolTimeout       time.Duration
	Backups           BackupConfig
}

type WebsiteService struct {
	Deps
	cfg       WebsiteConfig
	web       webserver.Server
	certs     certs.Issuer
	runner    hostexec.Runner
	fetcher   Fetcher
	databases *DatabaseService
}

func NewWebsiteService(deps Deps, cfg WebsiteConfig, web webserver.Server, issuer certs.Issuer, runner hostexec.Runner, fetcher Fetcher, databases *DatabaseService) *WebsiteService {
	return &WebsiteService{Deps: deps, cfg: cfg, web: web, certs: issuer, runner: runner, fetcher: fetcher, databases: databases}
}

// Create provisions a website. Steps run in order and the first failure
// stops the rest. Once the record is stored it is returned together with
// any later error, and the site can be completed with Repair.
func (s *WebsiteService) Create(ctx context.Context, actor access.Actor, spec WebsiteCreate) (w models.Website, err error) {
	defer func(start time.Time) { s.Metrics.Observe("website", "create", start, err) }(time.Now())

	if err := validate.Struct(spec); err != nil {
		return models.Website{}, err
	}
	domain, err := validate.NormalizeDomain(spec.Domain)
	if err != nil {
		return models.Website{}, err
	}
	owner := actor.ID
	if spec.OwnerID != "" && spec.OwnerID != actor.ID {
		if err := s.Gate.Admin(actor); err != nil {
			return models.Website{}, err
		}
		owner = spec.OwnerID
	}
	kind, err := newKind(spec.Kind, spec.RuntimeVersion, spec.Port, s.cfg.DefaultPHPVersion)
	if err != nil {
		return models.Website{}, err
	}
	root, err := s.documentRoot(domain, spec.DocumentRoot)
	if err != nil {
		return models.Website{}, err
	}
	if _, err := s.Store.GetWebsiteByDomain(ctx, domain); err == nil {
		return models.Website{}, errors.AlreadyExistsf("website for domain %q", domain)
	} else if !errors.Is(err, errors.NotFound) {
		return models.Website{}, errors.Trace(err)
	}

	log := s.Logger.With().Str("domain", domain).Logger()
	w = models.Website{
		Name:           spec.Name,
		Domain:         domain,
		LifecycleState: models.StateActive,
		DocumentRoot:   root,
		OwnerID:        owner,
	}
	if w.Name == "" {
		w.Name = domain
	}
	applyKind(&w, kind)

	_, statErr := os.Stat(root)
	createdDir := os.IsNotExist(statErr)
	log.Debug().Str("step", "directory").Msg("create website")
	if err := s.ensureRoot(ctx, root); err != nil {
		return models.Website{}, failure.AtStep("directory", errors.Annotatef(err, "create website %s", domain))
	}

	log.Debug().Str("step", "persist").Msg("create website")
	w, err = s.Store.CreateWebsite(ctx, w)
	if err != nil {
		if createdDir {
			_ = os.RemoveAll(root)
		}
		return models.Website{}, failure.AtStep("persist", errors.Annotatef(err, "create website %s", domain))
	}
	s.Audit(ctx, actor, "website.create", w.ID, domain)

	log.Debug().Str("step", "scaffold").Msg("create website")
	if err := s.scaffold(ctx, w, kind); err != nil {
		return w, failure.AtStep("scaffold", errors.Annotatef(err, "create website %s", domain))
	}
	if step, err := s.project(ctx, w); err != nil {
		return w, failure.AtStep(step, errors.Annotatef(err, "create website %s", domain))
	}
	log.Info().Str("website_id", w.ID).Str("kind", string(w.Kind)).Msg("website created")
	return w, nil
}

// documentRoot resolves where a site's files live: the domain's directory
// under the web root, or a requested directory inside it. Domains are
// unique, so two sites can never share or nest their trees.
func (s *WebsiteService) documentRoot(domain, requested string) (string, error) {
	site := filepath.Join(s.cfg.WebRoot, domain)
	if err := security.Contained(s.cfg.WebRoot, site); err != nil {
		return "", err
	}
	if requested == "" {
		return site, nil
	}
	root := filepath.Clean(requested)
	if root != site && security.Contained(site, root) != nil {
		return "", errors.Forbiddenf("document root %q outside %s", requested, site)
	}
	if err := security.CheckSymlinkEscape(site, root); err != nil {
		return "", err
	}
	return root, nil
}

// siteTree is what Delete removes: the whole domain directory when the
// document root sits inside it.
func (s *WebsiteService) siteTree(w models.Website) string {
	site := filepath.Join(s.cfg.WebRoot, w.Domain)
	if security.Contained(site, w.DocumentRoot) == nil {
		return site
	}
	return w.DocumentRoot
}

// Site trees stay owned by the panel user and belong to the serving group.
// Directories are setgid so entries the web server creates later keep the
// group.
const (
	siteDirMode  = 0o775 | fs.ModeSetgid
	siteFileMode = 0o664
)

func (s *WebsiteService) ensureRoot(ctx context.Context, root string) error {
	if err := os.MkdirAll(root, 0o775); err != nil {
		return errors.Trace(err)
	}
	if err := os.Chmod(root, siteDirMode); err != nil {
		return errors.Trace(err)
	}
	return s.chgrp(ctx, root, false)
}

// shareTree applies the site modes to everything under root. Entries the
// panel does not own, such as uploads written by the web server, keep
// their modes.
func (s *WebsiteService) shareTree(ctx context.Context, root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		mode := fs.FileMode(siteFileMode)
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			return nil
		case d.IsDir():
			mode = siteDirMode
		}
		if err := os.Chmod(path, mode); err != nil && !errors.Is(err, fs.ErrPermission) {
			return err
		}
		return nil
	})
	if err != nil {
		return errors.Annotatef(err, "set modes under %s", root)
	}
	return s.chgrp(ctx, root, true)
}

// chgrp hands root to the serving group. It runs through the command runner
// because the panel itself is usually unprivileged.
func (s *WebsiteService) chgrp(ctx context.Context, root string, recursive bool) error {
	if s.cfg.ServingGroup == "" {
		return nil
	}
	args := []string{":" + s.cfg.ServingGroup, root}
	if recursive {
		args = append([]string{"-R"}, args...)
	}
	_, err := s.runner.Run(ctx, hostexec.Command{Name: "chown", Args: args, Timeout: s.cfg.ToolTimeout})
	return err
}

func (s *WebsiteService) scaffold(ctx context.Context, w models.Website, kind Kind) error {
	err := kind.Accept(scaffolder{
		ctx:       ctx,
		root:      w.DocumentRoot,
		domain:    w.Domain,
		fetcher:   s.fetcher,
		sourceURL: s.cfg.WordPressURL,
	})
	if err != nil {
		return err
	}
	return s.shareTree(ctx, w.DocumentRoot)
}

// project makes the vhost match the record and reloads the server. It
// returns the name of the step that failed.
func (s *WebsiteService) project(ctx context.Context, w models.Website) (string, error) {
	if w.LifecycleState == models.StateActive {
		if _, err := os.Stat(w.DocumentRoot); os.IsNotExist(err) {
			if err := s.ensureRoot(ctx, w.DocumentRoot); err != nil {
				return "directory", err
			}
		}
		site, err := siteFor(w, w.TLSEnabled)
		if err != nil {
			return "vhost", err
		}
		if err := s.web.WriteVhost(ctx, site); err != nil {
			return "vhost", err
		}
		if err := s.web.Enable(ctx, w.Domain); err != nil {
			return "vhost", err
		}
	} else if err := s.web.Disable(ctx, w.Domain); err != nil {
		return "vhost", err
	}
	if err := s.web.Reload(ctx); err != nil {
		return "reload", err
	}
	return "", nil
}

func (s *WebsiteService) load(ctx context.Context, actor access.Actor, id string) (models.Website, error) {
	w, err := s.Store.GetWebsite(ctx, id)
	if err != nil {
		return models.Website{}, err
	}
	if err := s.Gate.Website(actor, w); err != nil {
		return models.Website{}, err
	}
	return w, nil
}

func (s *WebsiteService) loadByDomain(ctx context.Context, actor access.Actor, domain string) (models.Website, error) {
	d, err := validate.NormalizeDomain(domain)
	if err != nil {
		return models.Website{}, err
	}
	w, err := s.Store.GetWebsiteByDomain(ctx, d)
	if err != nil {
		return models.Website{}, err
	}
	if err := s.Gate.Website(actor, w); err != nil {
		return models.Website{}, err
	}
	return w, nil
}

func (s *WebsiteService) Get(ctx context.Context, actor access.Actor, id string) (models.Website, error) {
	return s.load(ctx, actor, id)
}

func (s *WebsiteService) List(ctx context.Context, actor access.Actor, p models.Page) ([]models.Website, int, error) {
	return s.Store.ListWebsites(ctx, s.Gate.Filter(actor, p))
}

// Update applies patch and, when a field that shapes the vhost changed,
// rewrites the vhost and reloads.
func (s *WebsiteService) Update(ctx context.Context, actor access.Actor, id string, patch WebsitePatch) (w models.Website, err error) {
	defer func(start time.Time) { s.Metrics.Observe("website", "update", start, err) }(time.Now())

	w, err = s.load(ctx, actor, id)
	if err != nil {
		return models.Website{}, err
	}
	vhostChanged := false
	if patch.Name != nil {
		w.Name = *patch.Name
	}
	if patch.LifecycleState != nil && *patch.LifecycleState != w.LifecycleState {
		if !patch.LifecycleState.Valid() {
			return models.Website{}, errors.NotValidf("lifecycle state %q", *patch.LifecycleState)
		}
		w.LifecycleState, vhostChanged = *patch.LifecycleState, true
	}
	if patch.RuntimeVersion != nil && *patch.RuntimeVersion != w.RuntimeVersion {
		if w.Kind != models.KindPHP && w.Kind != models.KindWordPress {
			return models.Website{}, errors.NotValidf("runtime version for %s website", w.Kind)
		}
		if err := validate.ValidateRuntimeVersion(*patch.RuntimeVersion); err != nil {
			return models.Website{}, err
		}
		w.RuntimeVersion, vhostChanged = *patch.RuntimeVersion, true
	}
	if patch.TLSEnabled != nil && *patch.TLSEnabled != w.TLSEnabled {
		if *patch.TLSEnabled {
			if err := certFilesExist(w); err != nil {
				return models.Website{}, err
			}
		}
		w.TLSEnabled, vhostChanged = *patch.TLSEnabled, true
	}

	w, err = s.Store.UpdateWebsite(ctx, w)
	if err != nil {
		return models.Website{}, errors.Annotatef(err, "update website %s", id)
	}
	s.Audit(ctx, actor, "website.update", w.ID, w.Domain)
	if vhostChanged {
		if step, err := s.project(ctx, w); err != nil {
			return w, failure.AtStep(step, errors.Annotatef(err, "update website %s", w.Domain))
		}
	}
	return w, nil
}

func certFilesExist(w models.Website) error {
	if w.TLSCertPath == "" || w.TLSKeyPath == "" {
		return errors.NotValidf("tls for %s without an installed certificate", w.Domain)
	}
	for _, p := range []string{w.TLSCertPath, w.TLSKeyPath} {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return errors.NotValidf("tls for %s: %s missing", w.Domain, p)
		}
	}
	return nil
}

// Repair re-runs the idempotent projection steps for an existing record.
func (s *WebsiteService) Repair(ctx context.Context, actor access.Actor, id string) (w models.Website, err error) {
	defer func(start time.Time) { s.Metrics.Observe("website", "repair", start, err) }(time.Now())

	w, err = s.load(ctx, actor, id)
	if err != nil {
		return models.Website{}, err
	}
	kind, err := kindOf(w)
	if err != nil {
		return w, err
	}
	if err := s.ensureRoot(ctx, w.DocumentRoot); err != nil {
		return w, failure.AtStep("directory", err)
	}
	empty, err := dirEmpty(w.DocumentRoot)
	if err != nil {
		return w, failure.AtStep("directory", err)
	}
	if empty {
		if err := s.scaffold(ctx, w, kind); err != nil {
			return w, failure.AtStep("scaffold", err)
		}
	}
	if w.TLSEnabled {
		if err := certFilesExist(w); err != nil {
			// Fall back to plain HTTP rather than write a vhost nginx rejects.
			w.TLSEnabled = false
			if w, err = s.Store.UpdateWebsite(ctx, w); err != nil {
				return w, failure.AtStep("persist", err)
			}
		}
	}
	if step, err := s.project(ctx, w); err != nil {
		return w, failure.AtStep(step, errors.Annotatef(err, "repair website %s", w.Domain))
	}
	s.Audit(ctx, actor, "website.repair", w.ID, w.Domain)
	return w, nil
}

func dirEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, errors.Trace(err)
	}
	return len(entries) == 0, nil
}

// Delete tears a website down: vhost, files, databases, record, reload.
// Every step runs even when an earlier one failed. The record goes last and
// survives only when every earlier step failed, so a caller never loses
// sight of a site whose footprint is still entirely in place.
func (s *WebsiteService) Delete(ctx context.Context, actor access.Actor, id string) (report Report, err error) {
	defer func(start time.Time) { s.Metrics.Observe("website", "delete", start, err) }(time.Now())

	w, err := s.load(ctx, actor, id)
	if err != nil {
		return Report{}, err
	}
	log := s.Logger.With().Str("website_id", w.ID).Str("domain", w.Domain).Logger()
	warn := func(step string, err error) {
		if err != nil {
			log.Warn().Err(err).Str("step", step).Msg("website delete step failed")
		}
	}

	warn("vhost", report.record("vhost", s.removeVhost(ctx, w.Domain)))
	warn("files", report.record("files", s.removeTree(s.siteTree(w))))
	warn("databases", report.record("databases", s.deleteDatabases(ctx, w)))

	if len(report.Failed()) == len(report.Steps) {
		report.skip("record", "every cleanup step failed")
		report.skip("reload", "record kept")
		return report, errors.Annotatef(report.Err(), "delete website %s", w.Domain)
	}
	if err := report.record("record", s.Store.DeleteWebsite(ctx, w.ID)); err != nil {
		warn("record", err)
		// Reload anyway; the vhost may already be gone.
	} else {
		s.Audit(ctx, actor, "website.delete", w.ID, w.Domain)
	}
	warn("reload", report.record("reload", s.web.Reload(ctx)))

	if out, _ := report.Outcome("record"); out.Status != StepDone {
		return report, errors.Annotatef(report.Err(), "delete website %s", w.Domain)
	}
	log.Info().Bool("complete", report.Complete()).Msg("website deleted")
	return report, nil
}

func (s *WebsiteService) removeVhost(ctx context.Context, domain string) error {
	disableErr := s.web.Disable(ctx, domain)
	removeErr := s.web.Remove(ctx, domain)
	if disableErr != nil {
		return disableErr
	}
	return removeErr
}

// removeTree deletes root as the panel user, which owns the tree and is a
// member of the serving group.
func (s *WebsiteService) removeTree(root string) error {
	if err := security.Contained(s.cfg.WebRoot, root); err != nil {
		return err
	}
	return errors.Annotatef(os.RemoveAll(root), "remove %s", root)
}

// deleteDatabases drops every database of w. A database that cannot be
// dropped is detached and handed to the site owner so it stays reachable.
func (s *WebsiteService) deleteDatabases(ctx context.Context, w models.Website) error {
	dbs, err := s.Store.ListDatabasesByWebsite(ctx, w.ID)
	if err != nil {
		return err
	}
	var failed []string
	for _, d := range dbs {
		if _, err := s.databases.remove(ctx, d); err != nil {
			failed = append(failed, d.Name)
			s.Logger.Warn().Err(err).Str("database", d.Name).Msg("detaching database that could not be dropped")
			if cur, gerr := s.Store.GetDatabase(ctx, d.ID); gerr == nil {
				cur.WebsiteID, cur.OwnerID = "", w.OwnerID
				if _, uerr := s.Store.UpdateDatabase(ctx, cur); uerr != nil {
					s.Logger.Error().Err(uerr).Str("database", d.Name).Msg("detach database")
				}
			}
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("databases not dropped: %v", failed)
	}
	return nil
}

// InstallTLS issues a certificate and switches the vhost to HTTPS. The
// record only claims TLS once both have succeeded.
func (s *WebsiteService) InstallTLS(ctx context.Context, actor access.Actor, domain string) (w models.Website, err error) {
	defer func(start time.Time) { s.Metrics.Observe("website", "install_tls", start, err) }(time.Now())

	w, err = s.loadByDomain(ctx, actor, domain)
	if err != nil {
		return models.Website{}, err
	}
	if w.LifecycleState != models.StateActive {
		return w, errors.NotValidf("tls for %s website %s", w.LifecycleState, w.Domain)
	}
	paths, err := s.certs.Issue(ctx, w.Domain, s.cfg.ContactEmail)
	if err != nil {
		return w, failure.AtStep("issue", err)
	}
	next := w
	next.TLSEnabled, next.TLSCertPath, next.TLSKeyPath = true, paths.CertPath, paths.KeyPath
	if step, err := s.project(ctx, next); err != nil {
		return w, failure.AtStep(step, errors.Annotatef(err, "install tls for %s", w.Domain))
	}
	w, err = s.Store.UpdateWebsite(ctx, next)
	if err != nil {
		return next, failure.AtStep("persist", err)
	}
	s.Audit(ctx, actor, "website.tls.install", w.ID, w.Domain)
	return w, nil
}

func (s *WebsiteService) RenewTLS(ctx context.Context, actor access.Actor, domain string) (err error) {
	defer func(start time.Time) { s.Metrics.Observe("website", "renew_tls", start, err) }(time.Now())

	w, err := s.loadByDomain(ctx, actor, domain)
	if err != nil {
		return err
	}
	if !w.TLSEnabled {
		return errors.NotValidf("renew for %s without tls", w.Domain)
	}
	if err := s.certs.Renew(ctx, w.Domain); err != nil {
		return err
	}
	return s.web.Reload(ctx)
}

// Restart reloads the web server for one site. Vhosts share a server, so
// every site is reloaded with it.
func (s *WebsiteService) Restart(ctx context.Context, actor access.Actor, id string) (err error) {
	defer func(start time.Time) { s.Metrics.Observe("website", "restart", start, err) }(time.Now())

	w, err := s.load(ctx, actor, id)
	if err != nil {
		return err
	}
	if err := s.web.Reload(ctx); err != nil {
		return errors.Annotatef(err, "restart %s", w.Domain)
	}
	s.Audit(ctx, actor, "website.restart", w.ID, w.Domain)
	return nil
}

// RevokeTLS moves the site back to plain HTTP before revoking, so the
// server never points at deleted certificate files.
func (s *WebsiteService) RevokeTLS(ctx context.Context, actor access.Actor, domain string) (w models.Website, err error) {
	defer func(start time.Time) { s.Metrics.Observe("website", "revoke_tls", start, err) }(time.Now())

	w, err = s.loadByDomain(ctx, actor, domain)
	if err != nil {
		return models.Website{}, err
	}
	if w.TLSCertPath == "" {
		return w, errors.NotFoundf("certificate for %s", w.Domain)
	}
	plain := w
	plain.TLSEnabled = false
	if step, err := s.project(ctx, plain); err != nil {
		return w, failure.AtStep(step, err)
	}
	if err := s.certs.Revoke(ctx, w.Domain); err != nil {
		return w, failure.AtStep("revoke", err)
	}
	plain.TLSCertPath, plain.TLSKeyPath = "", ""
	w, err = s.Store.UpdateWebsite(ctx, plain)
	if err != nil {
		return plain, failure.AtStep("persist", err)
	}
	s.Audit(ctx, actor, "website.tls.revoke", w.ID, w.Domain)
	return w, nil
}

// Stats walks the document root. Symlinks are counted, not followed.
func (s *WebsiteService) Stats(ctx context.Context, actor access.Actor, id string) (WebsiteStats, error) {
	w, err := s.load(ctx, actor, id)
	if err != nil {
		return WebsiteStats{}, err
	}
	var st WebsiteStats
	err = filepath.WalkDir(w.DocumentRoot, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		st.DiskUsageBytes += info.Size()
		st.FileCount++
		return nil
	})
	if err != nil {
		return WebsiteStats{}, errors.Annotatef(err, "walk %s", w.DocumentRoot)
	}
	last, err := s.Store.LatestCompletedBackup(ctx, models.BackupWebsite, w.ID)
	switch {
	case err == nil:
		st.LastBackup = &last
	case !errors.Is(err, errors.NotFound):
		return WebsiteStats{}, errors.Trace(err)
	}
	return st, nil
}

// Backup archives the document root under the backup root.
func (s *WebsiteService) Backup(ctx context.Context, actor access.Actor, id string) (b models.Backup, err error) {
	defer func(start time.Time) { s.Metrics.Observe("website", "backup", start, err) }(time.Now())

	w, err := s.load(ctx, actor, id)
	if err != nil {
		return models.Backup{}, err
	}
	name := w.Domain + "_" + s.Now().Format(backupStamp) + archive.Extension(s.cfg.Backups.Recipients)
	path := filepath.Join(s.cfg.Backups.Root, "websites", name)
	b, err = s.Store.CreateBackup(ctx, models.Backup{
		Name:        name,
		SubjectKind: models.BackupWebsite,
		SubjectID:   w.ID,
		StoragePath: path,
		Status:      models.BackupInProgress,
		OwnerID:     w.OwnerID,
	})
	if err != nil {
		return models.Backup{}, errors.Annotate(err, "record backup")
	}
	size, err := archive.CreateFile(path, []archive.Source{{Dir: w.DocumentRoot, Prefix: w.Domain}}, s.cfg.Backups.Recipients)
	b, err = s.finishBackup(ctx, b, size, err)
	if err == nil {
		s.Audit(ctx, actor, "website.backup", w.ID, name)
	}
	return b, err
}
