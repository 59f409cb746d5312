// Package webserver renders and installs per-domain virtual hosts for nginx
// or apache and reloads the server.
package webserver

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"text/template"
	"time"

	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/adapters/svcctl"
	"github.com/nebula-panel/nebula/packages/lib/hostexec"
	"github.com/nebula-panel/nebula/packages/lib/validate"
)

type Flavor string

const (
	Nginx  Flavor = "nginx"
	Apache Flavor = "apache"
)

// Backend selects how requests are served.
type Backend int

const (
	BackendStatic Backend = iota
	BackendPHP
	BackendProxy
)

type TLSPaths struct {
	CertPath string
	KeyPath  string
}

type Site struct {
	Domain       string
	DocumentRoot string
	Backend      Backend
	PHPVersion   string
	UpstreamPort int
	// TLS selects the HTTPS variant: port 80 redirects, port 443 terminates.
	TLS *TLSPaths
}

// Server is the virtual host surface used by the website service.
type Server interface {
	WriteVhost(ctx context.Context, site Site) error
	Enable(ctx context.Context, domain string) error
	Disable(ctx context.Context, domain string) error
	Remove(ctx context.Context, domain string) error
	Reload(ctx context.Context) error
}

var safePathRe = regexp.MustCompile(`^/[A-Za-z0-9._/@+-]*$`)

func (s Site) validate() error {
	if _, err := validate.NormalizeDomain(s.Domain); err != nil {
		return err
	}
	if !safePathRe.MatchString(s.DocumentRoot) {
		return errors.NotValidf("document root %q", s.DocumentRoot)
	}
	switch s.Backend {
	case BackendPHP:
		if err := validate.ValidateRuntimeVersion(s.PHPVersion); err != nil {
			return err
		}
	case BackendProxy:
		if s.UpstreamPort <= 0 || s.UpstreamPort > 65535 {
			return errors.NotValidf("upstream port %d", s.UpstreamPort)
		}
	}
	if s.TLS != nil && (!safePathRe.MatchString(s.TLS.CertPath) || !safePathRe.MatchString(s.TLS.KeyPath)) {
		return errors.NotValidf("certificate paths")
	}
	return nil
}

type Config struct {
	Flavor       Flavor
	AvailableDir string
	EnabledDir   string
	ACMEWebroot  string
	Timeout      time.Duration
}

// Adapter writes vhost files directly and runs the config test through the
// command runner.
type Adapter struct {
	cfg      Config
	runner   hostexec.Runner
	services svcctl.Controller
	tmpl     *template.Template
}

func New(cfg Config, runner hostexec.Runner, services svcctl.Controller) (*Adapter, error) {
	var src string
	switch cfg.Flavor {
	case Nginx:
		src = nginxTemplate
	case Apache:
		src = apacheTemplate
	default:
		return nil, errors.NotValidf("web server %q", cfg.Flavor)
	}
	tmpl, err := template.New(string(cfg.Flavor)).Parse(src)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Adapter{cfg: cfg, runner: runner, services: services, tmpl: tmpl}, nil
}

type vhostData struct {
	Site
	ACMEWebroot string
}

func (d vhostData) PHP() bool     { return d.Backend == BackendPHP }
func (d vhostData) Proxy() bool   { return d.Backend == BackendProxy }
func (d vhostData) Alias() string { return validate.WWWAlias(d.Domain) }

// Render returns the configuration text for site.
func (a *Adapter) Render(site Site) ([]byte, error) {
	if err := site.validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := a.tmpl.Execute(&buf, vhostData{Site: site, ACMEWebroot: a.cfg.ACMEWebroot}); err != nil {
		return nil, errors.Annotatef(err, "render vhost for %s", site.Domain)
	}
	return buf.Bytes(), nil
}

func (a *Adapter) AvailablePath(domain string) string {
	return filepath.Join(a.cfg.AvailableDir, domain+".conf")
}

func (a *Adapter) EnabledPath(domain string) string {
	return filepath.Join(a.cfg.EnabledDir, domain+".conf")
}

func (a *Adapter) WriteVhost(_ context.Context, site Site) error {
	body, err := a.Render(site)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(a.cfg.AvailableDir, 0o755); err != nil {
		return errors.Trace(err)
	}
	path := a.AvailablePath(site.Domain)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return errors.Annotatef(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Annotatef(err, "install %s", path)
	}
	return nil
}

func (a *Adapter) Enable(_ context.Context, domain string) error {
	target := a.AvailablePath(domain)
	if _, err := os.Stat(target); err != nil {
		if os.IsNotExist(err) {
			return errors.NotFoundf("vhost for %s", domain)
		}
		return errors.Trace(err)
	}
	if err := os.MkdirAll(a.cfg.EnabledDir, 0o755); err != nil {
		return errors.Trace(err)
	}
	link := a.EnabledPath(domain)
	if existing, err := os.Readlink(link); err == nil && existing == target {
		return nil
	}
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	return errors.Annotatef(os.Symlink(target, link), "enable %s", domain)
}

func (a *Adapter) Disable(_ context.Context, domain string) error {
	if err := os.Remove(a.EnabledPath(domain)); err != nil && !os.IsNotExist(err) {
		return errors.Annotatef(err, "disable %s", domain)
	}
	return nil
}

func (a *Adapter) Remove(_ context.Context, domain string) error {
	if err := os.Remove(a.AvailablePath(domain)); err != nil && !os.IsNotExist(err) {
		return errors.Annotatef(err, "remove vhost %s", domain)
	}
	return nil
}

// Reload validates the full configuration before signalling the server so
// a bad vhost never takes the running server down.
func (a *Adapter) Reload(ctx context.Context) error {
	test, service := hostexec.Command{Name: "nginx", Args: []string{"-t"}}, "nginx"
	if a.cfg.Flavor == Apache {
		test, service = hostexec.Command{Name: "apache2ctl", Args: []string{"configtest"}}, "apache2"
	}
	test.Timeout = a.cfg.Timeout
	if _, err := a.runner.Run(ctx, test); err != nil {
		return errors.Annotate(err, "config test")
	}
	return a.services.Reload(ctx, service)
}
