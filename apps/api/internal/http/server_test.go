package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/nebula-panel/nebula/apps/api/internal/access"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/dbengine"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/mail"
	"github.com/nebula-panel/nebula/apps/api/internal/coordinator"
	"github.com/nebula-panel/nebula/apps/api/internal/metrics"
	"github.com/nebula-panel/nebula/apps/api/internal/models"
	"github.com/nebula-panel/nebula/apps/api/internal/provision"
	"github.com/nebula-panel/nebula/apps/api/internal/store"
	"github.com/nebula-panel/nebula/packages/lib/failure"
	"github.com/nebula-panel/nebula/packages/lib/hostexec"
	"github.com/nebula-panel/nebula/packages/lib/secrets"
)

type memMail struct {
	mu    sync.Mutex
	boxes map[string]mail.Mailbox
	fail  error
}

func (m *memMail) CreateMailbox(_ context.Context, mb mail.Mailbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.boxes[mb.Address] = mb
	return nil
}

func (m *memMail) UpdateMailbox(ctx context.Context, mb mail.Mailbox) error {
	return m.CreateMailbox(ctx, mb)
}

func (m *memMail) DeleteMailbox(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.boxes, address)
	return nil
}

// memEngine accepts every statement.
type memEngine struct {
	dbengine.Engine
	mu   sync.Mutex
	exec []dbengine.Statement
}

func (e *memEngine) Kind() models.EngineKind   { return models.EngineMySQL }
func (e *memEngine) Dialect() dbengine.Dialect { return dbengine.MySQLDialect{} }

func (e *memEngine) ExecAdmin(_ context.Context, st dbengine.Statement) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exec = append(e.exec, st)
	return nil
}

type units struct{ restarted []string }

func (u *units) Reload(context.Context, string) error { return nil }
func (u *units) Restart(_ context.Context, name string) error {
	u.restarted = append(u.restarted, name)
	return nil
}
func (u *units) ActiveState(context.Context, string) (string, error) { return "active", nil }

// shell answers host commands with canned output keyed by tool name.
type shell struct {
	mu     sync.Mutex
	ran    []string
	output map[string]string
}

func (s *shell) Run(_ context.Context, cmd hostexec.Command) (hostexec.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, cmd.String())
	return hostexec.Result{Output: s.output[cmd.Name]}, nil
}

type fixture struct {
	handler http.Handler
	mail    *memMail
	units   *units
	engine  *memEngine
	shell   *shell
	admin   string
	alice   string
}

func newFixture(c *qt.C) *fixture {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(c.TempDir(), "panel.db"))
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { st.Close() })

	deps := provision.Deps{
		Store:   st,
		Gate:    access.NewGate(st),
		Clock:   clock.WallClock,
		Metrics: metrics.New(),
		Logger:  zerolog.Nop(),
	}
	f := &fixture{
		mail:   &memMail{boxes: map[string]mail.Mailbox{}},
		units:  &units{},
		engine: &memEngine{},
		shell:  &shell{output: map[string]string{}},
	}
	sealer, err := secrets.NewSealer("")
	c.Assert(err, qt.IsNil)
	accounts := provision.NewAccountService(deps, 0)
	databases := provision.NewDatabaseService(deps, provision.DatabaseConfig{}, dbengine.Registry{models.EngineMySQL: f.engine}, sealer)
	svc := Services{
		Gate:      deps.Gate,
		Accounts:  accounts,
		Websites:  provision.NewWebsiteService(deps, provision.WebsiteConfig{WebRoot: c.TempDir()}, nil, nil, nil, nil, databases),
		Databases: databases,
		Email:     provision.NewEmailService(deps, f.mail),
		Coordinator: coordinator.New(deps, coordinator.Config{
			Services: f.units,
			Runner:   f.shell,
		}),
	}
	f.handler = NewServer(svc, deps.Metrics, zerolog.Nop()).Router()

	created, err := accounts.Bootstrap(ctx, "root", "admin-password")
	c.Assert(err, qt.IsNil)
	c.Assert(created, qt.IsTrue)
	f.admin = f.login(c, "root", "admin-password")
	f.do(c, f.admin, http.MethodPost, "/v1/users", map[string]any{"username": "alice", "password": "alice-password"}, http.StatusCreated, nil)
	f.alice = f.login(c, "alice", "alice-password")
	return f
}

func (f *fixture) request(token, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) do(c *qt.C, token, method, path string, body any, want int, out any) {
	c.Helper()
	rr := f.request(token, method, path, body)
	c.Assert(rr.Code, qt.Equals, want, qt.Commentf("%s %s: %s", method, path, rr.Body.String()))
	if out != nil {
		c.Assert(json.Unmarshal(rr.Body.Bytes(), out), qt.IsNil)
	}
}

func (f *fixture) login(c *qt.C, user, pass string) string {
	var resp struct {
		Token string `json:"token"`
	}
	f.do(c, "", http.MethodPost, "/v1/auth/login", map[string]string{"username": user, "password": pass}, http.StatusOK, &resp)
	c.Assert(resp.Token, qt.Not(qt.Equals), "")
	return resp.Token
}

type errResp struct {
	Error errorBody `json:"error"`
}

func TestHealthzAndMetrics(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	f.do(c, "", http.MethodGet, "/healthz", nil, http.StatusOK, nil)
	rr := f.request("", http.MethodGet, "/metrics", nil)
	c.Assert(rr.Code, qt.Equals, http.StatusOK)
	c.Assert(rr.Body.String(), qt.Contains, "nebula_http_requests_total")
}

func TestAuthentication(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	var e errResp
	f.do(c, "", http.MethodPost, "/v1/auth/login", map[string]string{"username": "root", "password": "wrong-password"}, http.StatusUnauthorized, &e)
	c.Assert(e.Error.Code, qt.Equals, "unauthorized")

	f.do(c, "", http.MethodGet, "/v1/websites", nil, http.StatusUnauthorized, nil)
	f.do(c, "bogus", http.MethodGet, "/v1/websites", nil, http.StatusUnauthorized, nil)

	f.do(c, f.alice, http.MethodPost, "/v1/auth/logout", nil, http.StatusNoContent, nil)
	f.do(c, f.alice, http.MethodGet, "/v1/websites", nil, http.StatusUnauthorized, nil)
}

func TestErrorMapping(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	var e errResp
	f.do(c, f.alice, http.MethodGet, "/v1/users", nil, http.StatusForbidden, &e)
	c.Assert(e.Error.Code, qt.Equals, "forbidden")

	f.do(c, f.alice, http.MethodGet, "/v1/websites/site_missing", nil, http.StatusNotFound, &e)
	c.Assert(e.Error.Code, qt.Equals, "not_found")

	rr := f.request(f.alice, http.MethodPost, "/v1/websites", nil)
	c.Assert(rr.Code, qt.Equals, http.StatusBadRequest)

	f.do(c, f.alice, http.MethodPost, "/v1/websites", map[string]any{"domain": "example.com", "kind": "ftp"}, http.StatusBadRequest, &e)
	c.Assert(e.Error.Code, qt.Equals, "invalid")

	f.do(c, f.admin, http.MethodPost, "/v1/users", map[string]any{"username": "alice", "password": "alice-password"}, http.StatusConflict, &e)
	c.Assert(e.Error.Code, qt.Equals, "conflict")

	var list struct {
		Items []json.RawMessage `json:"items"`
		Total int               `json:"total"`
	}
	f.do(c, f.alice, http.MethodGet, "/v1/websites?limit=5", nil, http.StatusOK, &list)
	c.Assert(list.Items, qt.HasLen, 0)
	c.Assert(list.Total, qt.Equals, 0)
}

func TestStatusOfKinds(t *testing.T) {
	c := qt.New(t)

	cases := []struct {
		err    error
		status int
	}{
		{errors.Timeoutf("certbot"), http.StatusGatewayTimeout},
		{failure.AtStep("vhost", failure.Tool("nginx", "emerg", errors.New("exit status 1"))), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, body := errorOf(tc.err)
		c.Check(status, qt.Equals, tc.status, qt.Commentf("%v", tc.err))
		if status == http.StatusBadGateway {
			c.Check(body.Step, qt.Equals, "vhost")
			c.Check(body.Diagnostic, qt.Equals, "emerg")
		}
	}
}

func TestEmailOverHTTP(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	var created struct {
		ID      string `json:"id"`
		Address string `json:"address"`
		Secret  string `json:"secret"`
	}
	f.do(c, f.alice, http.MethodPost, "/v1/email", map[string]any{"address": "Info@Example.com", "secret": "mailbox-secret"}, http.StatusCreated, &created)
	c.Assert(created.Address, qt.Equals, "info@example.com")
	c.Assert(created.Secret, qt.Equals, "")

	f.do(c, f.admin, http.MethodPost, "/v1/email", map[string]any{"address": "info@example.com", "secret": "mailbox-secret"}, http.StatusConflict, nil)

	f.mail.fail = failure.Tool("postmap", "fatal: open vmailbox.db", errors.New("exit status 1"))
	var e errResp
	f.do(c, f.alice, http.MethodPost, "/v1/email", map[string]any{"address": "sales@example.com", "secret": "mailbox-secret"}, http.StatusBadGateway, &e)
	c.Assert(e.Error.Diagnostic, qt.Equals, "fatal: open vmailbox.db")
	f.mail.fail = nil

	var report struct {
		Report provision.Report `json:"report"`
	}
	f.do(c, f.alice, http.MethodDelete, "/v1/email/"+created.ID, nil, http.StatusOK, &report)
	c.Assert(report.Report.Complete(), qt.IsTrue)
	c.Assert(len(report.Report.Steps) > 0, qt.IsTrue)
	f.do(c, f.alice, http.MethodGet, "/v1/email/"+created.ID, nil, http.StatusNotFound, nil)
}

func TestDatabaseCreateReturnsSecretOnce(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	var created struct {
		ID             string `json:"id"`
		EngineUsername string `json:"engine_username"`
		Secret         string `json:"secret"`
	}
	f.do(c, f.alice, http.MethodPost, "/v1/databases", map[string]any{"name": "shop_db", "username": "shop_user"}, http.StatusCreated, &created)
	c.Assert(created.EngineUsername, qt.Equals, "shop_user")
	c.Assert(len(created.Secret) >= 16, qt.IsTrue, qt.Commentf("secret %q", created.Secret))

	c.Assert(f.engine.exec, qt.HasLen, 3)
	c.Assert(f.engine.exec[1].Args, qt.DeepEquals, []any{"shop_user", created.Secret})

	rr := f.request(f.alice, http.MethodGet, "/v1/databases/"+created.ID, nil)
	c.Assert(rr.Code, qt.Equals, http.StatusOK)
	c.Assert(rr.Body.String(), qt.Not(qt.Contains), created.Secret)
	c.Assert(rr.Body.String(), qt.Not(qt.Contains), `"secret"`)

	f.do(c, f.alice, http.MethodPost, "/v1/databases", map[string]any{"name": "blog_db", "username": "blog_user", "secret": "chosen-secret"}, http.StatusCreated, &created)
	c.Assert(created.Secret, qt.Equals, "chosen-secret")
}

func TestSystemEndpoints(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	f.do(c, f.alice, http.MethodGet, "/v1/system/services", nil, http.StatusForbidden, nil)

	var states struct {
		Items []coordinator.ServiceState `json:"items"`
	}
	f.do(c, f.admin, http.MethodGet, "/v1/system/services", nil, http.StatusOK, &states)
	c.Assert(states.Items, qt.HasLen, len(coordinator.ManagedServices))

	f.do(c, f.admin, http.MethodPost, "/v1/system/services/nginx/restart", nil, http.StatusNoContent, nil)
	f.do(c, f.admin, http.MethodPost, "/v1/system/services/sshd/restart", nil, http.StatusBadRequest, nil)
	c.Assert(f.units.restarted, qt.DeepEquals, []string{"nginx"})

	f.do(c, f.admin, http.MethodGet, "/v1/system/metrics", nil, http.StatusNotFound, nil)

	var audit struct {
		Items []struct {
			Action string `json:"action"`
		} `json:"items"`
	}
	f.do(c, f.admin, http.MethodGet, "/v1/audit-logs", nil, http.StatusOK, &audit)
	var actions []string
	for _, a := range audit.Items {
		actions = append(actions, a.Action)
	}
	c.Assert(strings.Join(actions, ","), qt.Contains, "system.restart")
}

func TestAccountSelfService(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	var me struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Email    string `json:"email"`
		IsAdmin  bool   `json:"is_admin"`
	}
	f.do(c, f.alice, http.MethodGet, "/v1/auth/me", nil, http.StatusOK, &me)
	c.Assert(me.Username, qt.Equals, "alice")
	c.Assert(me.IsAdmin, qt.IsFalse)

	f.do(c, f.alice, http.MethodPut, "/v1/auth/me", map[string]any{"email": "alice@example.com", "password": "new-alice-password"}, http.StatusOK, &me)
	c.Assert(me.Email, qt.Equals, "alice@example.com")
	f.do(c, f.alice, http.MethodPut, "/v1/auth/me", map[string]any{"is_admin": true}, http.StatusForbidden, nil)
	f.do(c, f.alice, http.MethodPut, "/v1/auth/me", map[string]any{"email": "not-an-email"}, http.StatusBadRequest, nil)
	f.login(c, "alice", "new-alice-password")

	f.do(c, f.alice, http.MethodPut, "/v1/users/"+me.ID, map[string]any{"is_admin": true}, http.StatusForbidden, nil)
	f.do(c, f.admin, http.MethodPut, "/v1/users/"+me.ID, map[string]any{"is_admin": true}, http.StatusOK, &me)
	c.Assert(me.IsAdmin, qt.IsTrue)
	f.do(c, f.alice, http.MethodGet, "/v1/users", nil, http.StatusOK, nil)
	f.do(c, f.admin, http.MethodPut, "/v1/users/user_missing", map[string]any{}, http.StatusNotFound, nil)
}

func TestHostEndpoints(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.shell.output["apt-get"] = "Inst curl [7.88.1-10] (7.88.1-10+deb12u5 Debian-Security:12/stable-security [amd64])"
	f.shell.output["journalctl"] = "nginx[812]: started"

	f.do(c, f.alice, http.MethodGet, "/v1/system/updates", nil, http.StatusForbidden, nil)
	var updates coordinator.UpdateStatus
	f.do(c, f.admin, http.MethodGet, "/v1/system/updates", nil, http.StatusOK, &updates)
	c.Assert(updates.Packages, qt.DeepEquals, []string{"curl"})
	c.Assert(updates.Available, qt.IsTrue)
	f.do(c, f.admin, http.MethodPost, "/v1/system/updates", nil, http.StatusNoContent, nil)

	var logs struct {
		Service string `json:"service"`
		Logs    string `json:"logs"`
	}
	f.do(c, f.admin, http.MethodGet, "/v1/system/logs?service=nginx&lines=20", nil, http.StatusOK, &logs)
	c.Assert(logs.Logs, qt.Equals, "nginx[812]: started")
	f.do(c, f.admin, http.MethodGet, "/v1/system/logs?lines=many", nil, http.StatusBadRequest, nil)
	f.do(c, f.admin, http.MethodGet, "/v1/system/logs?service=sshd", nil, http.StatusBadRequest, nil)

	f.do(c, f.alice, http.MethodPost, "/v1/email/setup", nil, http.StatusForbidden, nil)
	f.do(c, f.admin, http.MethodPost, "/v1/email/setup", nil, http.StatusNoContent, nil)
	c.Assert(f.units.restarted, qt.DeepEquals, []string{"postfix", "dovecot"})

	var status coordinator.MailStatus
	f.do(c, f.alice, http.MethodGet, "/v1/email/status", nil, http.StatusOK, &status)
	c.Assert(status.Running, qt.IsTrue)

	c.Assert(f.shell.ran, qt.DeepEquals, []string{
		"apt-get update",
		"apt-get -s upgrade",
		"apt-get upgrade -y",
		"journalctl --no-pager -n 20 -u nginx",
		"apt-get install -y postfix dovecot-core dovecot-imapd dovecot-pop3d",
	})
}
