package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/nebula-panel/nebula/apps/api/internal/access"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/certs"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/dbengine"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/mail"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/webserver"
	"github.com/nebula-panel/nebula/apps/api/internal/models"
	"github.com/nebula-panel/nebula/apps/api/internal/store"
	"github.com/nebula-panel/nebula/packages/lib/secrets"
)

var (
	admin = access.Actor{ID: "user_admin", IsAdmin: true}
	alice = access.Actor{ID: "user_alice"}
	bob   = access.Actor{ID: "user_bob"}
)

func newDeps(c *qt.C) Deps {
	st, err := store.NewSQLite(filepath.Join(c.TempDir(), "panel.db"))
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { st.Close() })
	return Deps{Store: st, Gate: access.NewGate(st), Logger: zerolog.Nop()}
}

// fakeWeb records vhost operations in memory.
type fakeWeb struct {
	mu        sync.Mutex
	calls     []string
	sites     map[string]webserver.Site
	enabled   map[string]bool
	failWrite error
	failRm    error
}

func newFakeWeb() *fakeWeb {
	return &fakeWeb{sites: map[string]webserver.Site{}, enabled: map[string]bool{}}
}

func (f *fakeWeb) call(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeWeb) WriteVhost(_ context.Context, site webserver.Site) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("write %s", site.Domain)
	if f.failWrite != nil {
		return f.failWrite
	}
	f.sites[site.Domain] = site
	return nil
}

func (f *fakeWeb) Enable(_ context.Context, domain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("enable %s", domain)
	if _, ok := f.sites[domain]; !ok {
		return errors.NotFoundf("vhost for %s", domain)
	}
	f.enabled[domain] = true
	return nil
}

func (f *fakeWeb) Disable(_ context.Context, domain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("disable %s", domain)
	delete(f.enabled, domain)
	return nil
}

func (f *fakeWeb) Remove(_ context.Context, domain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("remove %s", domain)
	if f.failRm != nil {
		return f.failRm
	}
	delete(f.sites, domain)
	return nil
}

func (f *fakeWeb) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("reload")
	return nil
}

func (f *fakeWeb) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeIssuer writes placeholder certificate files.
type fakeIssuer struct {
	dir     string
	issued  []string
	renewed []string
	revoked []string
}

func (f *fakeIssuer) Issue(_ context.Context, domain, _ string) (certs.Paths, error) {
	dir := filepath.Join(f.dir, domain)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return certs.Paths{}, err
	}
	p := certs.Paths{CertPath: filepath.Join(dir, "fullchain.pem"), KeyPath: filepath.Join(dir, "privkey.pem")}
	for _, file := range []string{p.CertPath, p.KeyPath} {
		if err := os.WriteFile(file, []byte("pem"), 0o600); err != nil {
			return certs.Paths{}, err
		}
	}
	f.issued = append(f.issued, domain)
	return p, nil
}

func (f *fakeIssuer) Renew(_ context.Context, domain string) error {
	f.renewed = append(f.renewed, domain)
	return nil
}

func (f *fakeIssuer) Revoke(_ context.Context, domain string) error {
	f.revoked = append(f.revoked, domain)
	return os.RemoveAll(filepath.Join(f.dir, domain))
}

// fakeEngine records admin statements and writes dumps to disk.
type fakeEngine struct {
	mu       sync.Mutex
	dialect  dbengine.Dialect
	executed []string
	// fail returns an error for statements whose SQL starts with the key.
	fail     map[string]error
	tables   []string
	restored []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{dialect: dbengine.MySQLDialect{}, fail: map[string]error{}}
}

func (f *fakeEngine) Kind() models.EngineKind   { return models.EngineMySQL }
func (f *fakeEngine) Dialect() dbengine.Dialect { return f.dialect }

func (f *fakeEngine) ExecAdmin(_ context.Context, st dbengine.Statement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for prefix, err := range f.fail {
		if strings.HasPrefix(st.SQL, prefix) {
			return err
		}
	}
	f.executed = append(f.executed, st.SQL)
	return nil
}

func (f *fakeEngine) QueryAdmin(_ context.Context, st dbengine.Statement) ([]string, error) {
	if strings.Contains(st.SQL, "SUM(") {
		return []string{"16384"}, nil
	}
	return f.tables, nil
}

func (f *fakeEngine) ExecAs(context.Context, string, string, dbengine.Statement) error { return nil }

func (f *fakeEngine) Dump(_ context.Context, req dbengine.DumpRequest) (string, error) {
	path := filepath.Join(req.Dir, req.Name+"_"+req.At.UTC().Format("20060102_150405")+".sql")
	body := "-- dump of " + req.Name + "\nCREATE TABLE orders (id int);\n"
	return path, os.WriteFile(path, []byte(body), 0o600)
}

func (f *fakeEngine) Restore(_ context.Context, req dbengine.RestoreRequest) error {
	f.restored = append(f.restored, req.Path)
	return nil
}

func (f *fakeEngine) statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

// fakeMail keeps mailboxes in a map.
type fakeMail struct {
	boxes     map[string]mail.Mailbox
	failWrite error
}

func newFakeMail() *fakeMail { return &fakeMail{boxes: map[string]mail.Mailbox{}} }

func (f *fakeMail) CreateMailbox(_ context.Context, mb mail.Mailbox) error {
	if f.failWrite != nil {
		return f.failWrite
	}
	if _, ok := f.boxes[mb.Address]; ok {
		return errors.AlreadyExistsf("mailbox %s", mb.Address)
	}
	f.boxes[mb.Address] = mb
	return nil
}

func (f *fakeMail) UpdateMailbox(_ context.Context, mb mail.Mailbox) error {
	if _, ok := f.boxes[mb.Address]; !ok {
		return errors.NotFoundf("mailbox %s", mb.Address)
	}
	f.boxes[mb.Address] = mb
	return nil
}

func (f *fakeMail) DeleteMailbox(_ context.Context, address string) error {
	delete(f.boxes, address)
	return nil
}

type harness struct {
	deps      Deps
	webRoot   string
	backups   string
	web       *fakeWeb
	issuer    *fakeIssuer
	engine    *fakeEngine
	websites  *WebsiteService
	databases *DatabaseService
}

func newHarness(c *qt.C) *harness {
	return newHarnessWith(c, newFakeWeb())
}

func newHarnessWith(c *qt.C, web webserver.Server) *harness {
	dir := c.TempDir()
	h := &harness{
		deps:    newDeps(c),
		webRoot: filepath.Join(dir, "www"),
		backups: filepath.Join(dir, "backups"),
		issuer:  &fakeIssuer{dir: filepath.Join(dir, "live")},
		engine:  newFakeEngine(),
	}
	if fw, ok := web.(*fakeWeb); ok {
		h.web = fw
	}
	c.Assert(os.MkdirAll(h.webRoot, 0o755), qt.IsNil)
	sealer, err := secrets.NewSealer("")
	c.Assert(err, qt.IsNil)
	h.databases = NewDatabaseService(h.deps, DatabaseConfig{
		Backups: BackupConfig{Root: h.backups},
	}, dbengine.Registry{models.EngineMySQL: h.engine}, sealer)
	h.websites = NewWebsiteService(h.deps, WebsiteConfig{
		WebRoot:           h.webRoot,
		DefaultPHPVersion: "8.1",
		ContactEmail:      "ops@example.com",
		ToolTimeout:       time.Minute,
		Backups:           BackupConfig{Root: h.backups},
	}, web, h.issuer, nil, nil, h.databases)
	return h
}

func (h *harness) createSite(c *qt.C, actor access.Actor, domain string) models.Website {
	w, err := h.websites.Create(context.Background(), actor, WebsiteCreate{Domain: domain, Kind: models.KindStatic})
	c.Assert(err, qt.IsNil)
	return w
}

func (h *harness) Store() store.Store { return h.deps.Store }
