// Package store persists panel records. Postgres (pgx) is the production
// backend; the embedded SQLite backend (gorm) serves single-box installs and
// tests. Both report missing rows as errors.NotFound and unique-key
// collisions as errors.AlreadyExists.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/models"
)

type Store interface {
	CreateUser(ctx context.Context, u models.User) (models.User, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	// UpdateUser rewrites the email, admin flag and password hash.
	UpdateUser(ctx context.Context, u models.User) (models.User, error)
	CountAdmins(ctx context.Context) (int, error)

	CreateSession(ctx context.Context, s models.Session) error
	GetSession(ctx context.Context, token string) (models.Session, error)
	DeleteSession(ctx context.Context, token string) error

	CreateWebsite(ctx context.Context, w models.Website) (models.Website, error)
	GetWebsite(ctx context.Context, id string) (models.Website, error)
	GetWebsiteByDomain(ctx context.Context, domain string) (models.Website, error)
	UpdateWebsite(ctx context.Context, w models.Website) (models.Website, error)
	DeleteWebsite(ctx context.Context, id string) error
	ListWebsites(ctx context.Context, f models.ListFilter) ([]models.Website, int, error)

	CreateDatabase(ctx context.Context, d models.Database) (models.Database, error)
	GetDatabase(ctx context.Context, id string) (models.Database, error)
	GetDatabaseByName(ctx context.Context, name string) (models.Database, error)
	UpdateDatabase(ctx context.Context, d models.Database) (models.Database, error)
	DeleteDatabase(ctx context.Context, id string) error
	// ListDatabases filters on the direct owner or the owning website's owner.
	ListDatabases(ctx context.Context, f models.ListFilter) ([]models.Database, int, error)
	ListDatabasesByWebsite(ctx context.Context, websiteID string) ([]models.Database, error)

	CreateEmailAccount(ctx context.Context, a models.EmailAccount) (models.EmailAccount, error)
	GetEmailAccount(ctx context.Context, id string) (models.EmailAccount, error)
	GetEmailAccountByAddress(ctx context.Context, address string) (models.EmailAccount, error)
	UpdateEmailAccount(ctx context.Context, a models.EmailAccount) (models.EmailAccount, error)
	DeleteEmailAccount(ctx context.Context, id string) error
	ListEmailAccounts(ctx context.Context, f models.ListFilter) ([]models.EmailAccount, int, error)

	CreateBackup(ctx context.Context, b models.Backup) (models.Backup, error)
	GetBackup(ctx context.Context, id string) (models.Backup, error)
	UpdateBackup(ctx context.Context, b models.Backup) (models.Backup, error)
	ListBackups(ctx context.Context, f models.ListFilter) ([]models.Backup, int, error)
	// LatestCompletedBackup returns the newest completed backup taken of the
	// given subject.
	LatestCompletedBackup(ctx context.Context, kind models.BackupKind, subjectID string) (models.Backup, error)

	AddAudit(ctx context.Context, entry models.AuditLog) error
	ListAudit(ctx context.Context, p models.Page) ([]models.AuditLog, error)

	Close() error
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects to the configured backend.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverPostgres:
		return NewPostgres(ctx, dsn)
	case DriverSQLite:
		return NewSQLite(dsn)
	}
	return nil, errors.NotValidf("store driver %q", driver)
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func stamp(created *time.Time, updated *time.Time) {
	t := now()
	if created != nil && created.IsZero() {
		*created = t
	}
	if updated != nil {
		*updated = t
	}
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*SQLite)(nil)
)
