package failure

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"
)

func TestKindSurvivesAnnotation(t *testing.T) {
	c := qt.New(t)

	cases := []struct {
		err  error
		kind string
	}{
		{errors.NotFoundf("website %q", "site_1"), "not_found"},
		{errors.AlreadyExistsf("domain %q", "example.com"), "conflict"},
		{errors.Forbiddenf("access to %q", "site_1"), "forbidden"},
		{errors.Timeoutf("certbot"), "timeout"},
		{errors.NotValidf("domain %q", "-"), "invalid"},
		{Tool("mysqldump", "access denied", errors.New("exit status 2")), "external_tool_failure"},
		{errors.New("boom"), "internal"},
	}
	for _, tc := range cases {
		annotated := errors.Annotatef(AtStep("vhost", tc.err), "creating website")
		c.Check(Kind(annotated), qt.Equals, tc.kind, qt.Commentf("%v", tc.err))
	}
}

func TestToolKeepsDiagnostic(t *testing.T) {
	c := qt.New(t)

	err := errors.Annotate(Tool("certbot", "rate limited\n", errors.New("exit status 1")), "issuing")
	c.Assert(errors.Is(err, ExternalToolFailure), qt.IsTrue)
	c.Assert(Diagnostic(err), qt.Equals, "rate limited\n")
	c.Assert(err.Error(), qt.Contains, "certbot failed")
}

func TestToolDeadlineIsTimeout(t *testing.T) {
	c := qt.New(t)

	err := Tool("pg_dump", "", context.DeadlineExceeded)
	c.Assert(errors.Is(err, errors.Timeout), qt.IsTrue)
	c.Assert(errors.Is(err, ExternalToolFailure), qt.IsFalse)
}

func TestFailedStep(t *testing.T) {
	c := qt.New(t)

	err := errors.Annotate(AtStep("scaffold", errors.New("disk full")), "website example.com")
	c.Assert(FailedStep(err), qt.Equals, "scaffold")
	c.Assert(FailedStep(errors.New("plain")), qt.Equals, "")
	c.Assert(AtStep("x", nil), qt.IsNil)
}
