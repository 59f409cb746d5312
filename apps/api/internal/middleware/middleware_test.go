package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/nebula-panel/nebula/apps/api/internal/access"
	"github.com/nebula-panel/nebula/apps/api/internal/metrics"
)

type tokens map[string]access.Actor

func (t tokens) Resolve(_ context.Context, token string) (access.Actor, error) {
	a, ok := t[token]
	if !ok {
		return access.Actor{}, errors.Unauthorizedf("session")
	}
	return a, nil
}

func TestRequireSession(t *testing.T) {
	c := qt.New(t)

	resolver := tokens{"tok-alice": {ID: "user_alice"}}
	var rejected error
	h := RequireSession(resolver, func(w http.ResponseWriter, _ *http.Request, err error) {
		rejected = err
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := ActorFromContext(r.Context())
		c.Check(ok, qt.IsTrue)
		c.Check(a.ID, qt.Equals, "user_alice")
		c.Check(TokenFromContext(r.Context()), qt.Equals, "tok-alice")
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/websites", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	h.ServeHTTP(rr, req)
	c.Assert(rr.Code, qt.Equals, http.StatusNoContent)

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/websites", nil)
	req.Header.Set("X-Session-Token", "stale")
	h.ServeHTTP(rr, req)
	c.Assert(rr.Code, qt.Equals, http.StatusUnauthorized)
	c.Assert(errors.Is(rejected, errors.Unauthorized), qt.IsTrue)
}

func TestAccessLog(t *testing.T) {
	c := qt.New(t)

	var buf bytes.Buffer
	h := AccessLog(zerolog.New(&buf), metrics.New())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/system/backup", nil))

	var ev map[string]any
	c.Assert(json.Unmarshal(buf.Bytes(), &ev), qt.IsNil)
	c.Assert(ev["method"], qt.Equals, "POST")
	c.Assert(ev["path"], qt.Equals, "/v1/system/backup")
	c.Assert(ev["status"], qt.Equals, float64(http.StatusTeapot))
	c.Assert(ev["bytes"], qt.Equals, float64(15))
}
