package hostexec

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/packages/lib/failure"
	"github.com/nebula-panel/nebula/packages/lib/security"
)

func agentFor(c *qt.C, handler func(ExecRequest) ExecResponse) *Agent {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !security.VerifyHMAC(body, r.Header.Get(security.SignatureHeader), "shared") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req ExecRequest
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(handler(req))
	}))
	c.Cleanup(srv.Close)

	hc := srv.Client()
	hc.Transport = rewriteHost{base: http.DefaultTransport, host: srv.Listener.Addr().String()}
	return newAgent(hc, "shared", time.Minute)
}

type rewriteHost struct {
	base http.RoundTripper
	host string
}

func (r rewriteHost) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Host = r.host
	return r.base.RoundTrip(req)
}

func TestAgentRunSuccess(t *testing.T) {
	c := qt.New(t)

	var got ExecRequest
	a := agentFor(c, func(req ExecRequest) ExecResponse {
		got = req
		return ExecResponse{Output: "ok"}
	})
	res, err := a.Run(context.Background(), Command{Name: "nginx", Args: []string{"-t"}, Timeout: 3 * time.Second})
	c.Assert(err, qt.IsNil)
	c.Assert(res.Output, qt.Equals, "ok")
	c.Assert(got.Name, qt.Equals, "nginx")
	c.Assert(got.Args, qt.DeepEquals, []string{"-t"})
	c.Assert(got.TimeoutMS, qt.Equals, int64(3000))
	c.Assert(got.Timestamp.IsZero(), qt.IsFalse)
}

func TestAgentRunMapsFailures(t *testing.T) {
	c := qt.New(t)

	a := agentFor(c, func(req ExecRequest) ExecResponse {
		if req.Name == "slow" {
			return ExecResponse{ExitCode: -1, TimedOut: true}
		}
		return ExecResponse{ExitCode: 1, Output: "syntax error"}
	})

	_, err := a.Run(context.Background(), Command{Name: "nginx"})
	c.Assert(errors.Is(err, failure.ExternalToolFailure), qt.IsTrue)
	c.Assert(failure.Diagnostic(err), qt.Equals, "syntax error")

	_, err = a.Run(context.Background(), Command{Name: "slow"})
	c.Assert(errors.Is(err, errors.Timeout), qt.IsTrue)
}

func TestAgentRejectedSignature(t *testing.T) {
	c := qt.New(t)

	a := agentFor(c, func(ExecRequest) ExecResponse { return ExecResponse{} })
	a.secret = "wrong"
	_, err := a.Run(context.Background(), Command{Name: "nginx"})
	c.Assert(errors.Is(err, failure.ExternalToolFailure), qt.IsTrue)
}
