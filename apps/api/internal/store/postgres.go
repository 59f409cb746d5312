package store

import (
	"context"
	"embed"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, 12*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Annotate(err, "connect db")
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "ping db")
	}
	return &Postgres{db: db}, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Trace(err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(databaseURL))
	if err != nil {
		return errors.Annotate(err, "open migrations")
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Annotate(err, "apply migrations")
	}
	return nil
}

// migrateURL points the migrate pgx driver at a libpq style URL.
func migrateURL(databaseURL string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, scheme) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, scheme)
		}
	}
	return databaseURL
}

func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}

func (s *Postgres) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 10*time.Second)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error, what, key string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.NotFoundf("%s %q", what, key)
	}
	return errors.Annotatef(err, "%s %q", what, key)
}

func (s *Postgres) CreateUser(ctx context.Context, u models.User) (models.User, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	if u.ID == "" {
		u.ID = newID("user")
	}
	stamp(&u.CreatedAt, nil)
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, username, email, is_admin, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.Username, u.Email, u.IsAdmin, u.PasswordHash, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, errors.AlreadyExistsf("user %q", u.Username)
		}
		return models.User{}, errors.Annotate(err, "create user")
	}
	return u, nil
}

const userColumns = `id, username, email, is_admin, password_hash, created_at`

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.IsAdmin, &u.PasswordHash, &u.CreatedAt)
	return u, err
}

func (s *Postgres) GetUser(ctx context.Context, id string) (models.User, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	u, err := scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	if err != nil {
		return models.User{}, notFound(err, "user", id)
	}
	return u, nil
}

func (s *Postgres) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	u, err := scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username))
	if err != nil {
		return models.User{}, notFound(err, "user", username)
	}
	return u, nil
}

func (s *Postgres) ListUsers(ctx context.Context) ([]models.User, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at ASC`)
	if err != nil {
		return nil, errors.Annotate(err, "list users")
	}
	defer rows.Close()
	out := make([]models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, u)
	}
	return out, errors.Trace(rows.Err())
}

func (s *Postgres) UpdateUser(ctx context.Context, u models.User) (models.User, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tag, err := s.db.Exec(ctx, `UPDATE users SET email=$2, is_admin=$3, password_hash=$4 WHERE id=$1`,
		u.ID, u.Email, u.IsAdmin, u.PasswordHash)
	if err != nil {
		return models.User{}, errors.Annotate(err, "update user")
	}
	if tag.RowsAffected() == 0 {
		return models.User{}, errors.NotFoundf("user %q", u.ID)
	}
	return u, nil
}

func (s *Postgres) CountAdmins(ctx context.Context) (int, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE is_admin`).Scan(&n)
	return n, errors.Trace(err)
}

func (s *Postgres) CreateSession(ctx context.Context, sess models.Session) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err := s.db.Exec(ctx, `INSERT INTO sessions (token, user_id, expires_at) VALUES ($1, $2, $3)`,
		sess.Token, sess.UserID, sess.ExpiresAt)
	return errors.Annotate(err, "create session")
}

func (s *Postgres) GetSession(ctx context.Context, token string) (models.Session, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	var sess models.Session
	err := s.db.QueryRow(ctx, `
		SELECT token, user_id, expires_at FROM sessions
		WHERE token=$1 AND expires_at > NOW()
	`, token).Scan(&sess.Token, &sess.UserID, &sess.ExpiresAt)
	if err != nil {
		return models.Session{}, notFound(err, "session", "")
	}
	return sess, nil
}

func (s *Postgres) DeleteSession(ctx context.Context, token string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE token=$1`, token)
	return errors.Trace(err)
}

func (s *Postgres) AddAudit(ctx context.Context, entry models.AuditLog) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	if entry.ID == "" {
		entry.ID = newID("audit")
	}
	stamp(&entry.CreatedAt, nil)
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_logs (id, actor_id, action, target, summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.ActorID, entry.Action, entry.Target, entry.Summary, entry.CreatedAt)
	return errors.Annotate(err, "add audit")
}

func (s *Postgres) ListAudit(ctx context.Context, p models.Page) ([]models.AuditLog, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	p = p.Normalize()
	rows, err := s.db.Query(ctx, `
		SELECT id, actor_id, action, target, summary, created_at
		FROM audit_logs ORDER BY created_at DESC OFFSET $1 LIMIT $2
	`, p.Offset, p.Limit)
	if err != nil {
		return nil, errors.Annotate(err, "list audit")
	}
	defer rows.Close()
	out := make([]models.AuditLog, 0)
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.ID, &a.ActorID, &a.Action, &a.Target, &a.Summary, &a.CreatedAt); err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, a)
	}
	return out, errors.Trace(rows.Err())
}
