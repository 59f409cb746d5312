package provision

import (
	"context"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/nebula-panel/nebula/apps/api/internal/models"
)

func TestEmailAccountLifecycle(t *testing.T) {
	c := qt.New(t)
	deps := newDeps(c)
	box := newFakeMail()
	svc := NewEmailService(deps, box)
	ctx := context.Background()

	a, err := svc.Create(ctx, alice, EmailCreate{Address: "Info@Example.com", Secret: "mailbox-secret"})
	c.Assert(err, qt.IsNil)
	c.Assert(a.Address, qt.Equals, "info@example.com")
	c.Assert(a.Domain, qt.Equals, "example.com")
	c.Assert(a.QuotaMB, qt.Equals, 1000)
	c.Assert(bcrypt.CompareHashAndPassword([]byte(a.Secret), []byte("mailbox-secret")), qt.IsNil)
	c.Assert(box.boxes["info@example.com"].SecretHash, qt.Equals, a.Secret)

	_, err = svc.Create(ctx, bob, EmailCreate{Address: "info@example.com", Secret: "another-secret"})
	c.Assert(errors.Is(err, errors.AlreadyExists), qt.IsTrue)

	quota := 2048
	updated, err := svc.Update(ctx, alice, a.ID, EmailPatch{QuotaMB: &quota})
	c.Assert(err, qt.IsNil)
	c.Assert(updated.QuotaMB, qt.Equals, 2048)
	c.Assert(box.boxes["info@example.com"].QuotaMB, qt.Equals, 2048)

	_, err = svc.Update(ctx, bob, a.ID, EmailPatch{QuotaMB: &quota})
	c.Assert(errors.Is(err, errors.Forbidden), qt.IsTrue)
	_, err = svc.Delete(ctx, bob, a.ID)
	c.Assert(errors.Is(err, errors.Forbidden), qt.IsTrue)

	report, err := svc.Delete(ctx, alice, a.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(report.Complete(), qt.IsTrue)
	c.Assert(box.boxes, qt.HasLen, 0)

	_, err = svc.Get(ctx, alice, a.ID)
	c.Assert(errors.Is(err, errors.NotFound), qt.IsTrue)
	_, err = svc.Delete(ctx, alice, a.ID)
	c.Assert(errors.Is(err, errors.NotFound), qt.IsTrue)
}

func TestEmailCreateToolchainFailureStoresNothing(t *testing.T) {
	c := qt.New(t)
	deps := newDeps(c)
	box := newFakeMail()
	box.failWrite = errors.New("postmap: fatal: open /etc/postfix/vmailbox.db")
	svc := NewEmailService(deps, box)

	_, err := svc.Create(context.Background(), alice, EmailCreate{Address: "info@example.com", Secret: "mailbox-secret"})
	c.Assert(err, qt.Not(qt.IsNil))
	c.Assert(strings.Contains(err.Error(), "postmap"), qt.IsTrue)

	_, total, err := svc.List(context.Background(), admin, models.Page{})
	c.Assert(err, qt.IsNil)
	c.Assert(total, qt.Equals, 0)
}

func TestEmailCreateRejectsBadInput(t *testing.T) {
	c := qt.New(t)
	svc := NewEmailService(newDeps(c), newFakeMail())

	for _, spec := range []EmailCreate{
		{Address: "no-at-sign", Secret: "mailbox-secret"},
		{Address: "info@example.com", Secret: "short"},
		{Address: "info@example.com", Secret: "mailbox-secret", QuotaMB: -1},
	} {
		_, err := svc.Create(context.Background(), alice, spec)
		c.Check(errors.Is(err, errors.NotValid), qt.IsTrue, qt.Commentf("%+v: %v", spec, err))
	}
}
