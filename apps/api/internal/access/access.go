// Package access decides whether an actor may see or change a resource.
// Admins may touch everything; everyone else only what they own, where a
// database is owned directly or through its website.
package access

import (
	"context"

	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/models"
)

type Actor struct {
	ID      string
	IsAdmin bool
}

func ActorOf(u models.User) Actor { return Actor{ID: u.ID, IsAdmin: u.IsAdmin} }

// System is the actor used by scheduled work.
var System = Actor{ID: "system", IsAdmin: true}

type WebsiteGetter interface {
	GetWebsite(ctx context.Context, id string) (models.Website, error)
}

type Gate struct {
	websites WebsiteGetter
}

func NewGate(websites WebsiteGetter) *Gate {
	return &Gate{websites: websites}
}

func deny(actor Actor, what, id string) error {
	return errors.Forbiddenf("%s %q for user %q", what, id, actor.ID)
}

func owns(actor Actor, ownerID string) bool {
	return actor.IsAdmin || (ownerID != "" && ownerID == actor.ID)
}

func (g *Gate) Admin(actor Actor) error {
	if actor.IsAdmin {
		return nil
	}
	return errors.Forbiddenf("admin only")
}

func (g *Gate) Website(actor Actor, w models.Website) error {
	if owns(actor, w.OwnerID) {
		return nil
	}
	return deny(actor, "website", w.ID)
}

// Database resolves ownership through the owning website when the record
// carries no direct owner. A database with neither is admin-only.
func (g *Gate) Database(ctx context.Context, actor Actor, d models.Database) error {
	if actor.IsAdmin || owns(actor, d.OwnerID) {
		return nil
	}
	if d.OwnerID == "" && d.WebsiteID != "" {
		w, err := g.websites.GetWebsite(ctx, d.WebsiteID)
		switch {
		case errors.Is(err, errors.NotFound):
		case err != nil:
			return errors.Annotatef(err, "resolve owner of database %q", d.ID)
		case owns(actor, w.OwnerID):
			return nil
		}
	}
	return deny(actor, "database", d.ID)
}

func (g *Gate) EmailAccount(actor Actor, a models.EmailAccount) error {
	if owns(actor, a.OwnerID) {
		return nil
	}
	return deny(actor, "email account", a.ID)
}

func (g *Gate) Backup(actor Actor, b models.Backup) error {
	if owns(actor, b.OwnerID) {
		return nil
	}
	return deny(actor, "backup", b.ID)
}

// Filter scopes a listing to what actor owns.
func (g *Gate) Filter(actor Actor, p models.Page) models.ListFilter {
	f := models.ListFilter{Page: p.Normalize()}
	if !actor.IsAdmin {
		f.OwnerID = actor.ID
	}
	return f
}
