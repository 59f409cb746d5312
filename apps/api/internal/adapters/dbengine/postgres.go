package dbengine

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/models"
	"github.com/nebula-panel/nebula/packages/lib/failure"
	"github.com/nebula-panel/nebula/packages/lib/hostexec"
)

// Postgres serves PostgreSQL. Database-level DDL cannot run inside a
// transaction, so every statement opens its own connection to the catalog
// named by Statement.Database.
type Postgres struct {
	cfg    Config
	runner hostexec.Runner
}

func NewPostgres(cfg Config, runner hostexec.Runner) *Postgres {
	return &Postgres{cfg: cfg, runner: runner}
}

func (p *Postgres) Kind() models.EngineKind { return models.EnginePostgres }

func (p *Postgres) Dialect() Dialect { return PostgresDialect{} }

func (p *Postgres) connURL(user, password, dbName string) string {
	if dbName == "" {
		dbName = "postgres"
	}
	u := url.URL{Scheme: "postgres", User: url.UserPassword(user, password), Path: "/" + dbName}
	q := url.Values{}
	q.Set("connect_timeout", strconv.Itoa(int(p.cfg.timeout().Seconds())))
	switch {
	case strings.HasPrefix(p.cfg.Host, "/"):
		q.Set("host", p.cfg.Host)
	default:
		host := p.cfg.Host
		if host == "" {
			host = "127.0.0.1"
		}
		port := p.cfg.Port
		if port == 0 {
			port = 5432
		}
		u.Host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func pgFailure(err error) error {
	if err == nil {
		return nil
	}
	return failure.Tool("postgres", err.Error(), err)
}

func (p *Postgres) connect(ctx context.Context, user, password, dbName string) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, p.connURL(user, password, dbName))
	if err != nil {
		return nil, pgFailure(err)
	}
	return conn, nil
}

func (p *Postgres) exec(ctx context.Context, user, password string, st Statement) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.timeout())
	defer cancel()
	conn, err := p.connect(ctx, user, password, st.Database)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())
	_, err = conn.Exec(ctx, st.SQL, st.Args...)
	return pgFailure(err)
}

func (p *Postgres) ExecAdmin(ctx context.Context, st Statement) error {
	return p.exec(ctx, p.cfg.AdminUser, p.cfg.AdminPassword, st)
}

func (p *Postgres) ExecAs(ctx context.Context, user, secret string, st Statement) error {
	return p.exec(ctx, user, secret, st)
}

func (p *Postgres) QueryAdmin(ctx context.Context, st Statement) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.timeout())
	defer cancel()
	conn, err := p.connect(ctx, p.cfg.AdminUser, p.cfg.AdminPassword, st.Database)
	if err != nil {
		return nil, err
	}
	defer conn.Close(context.Background())
	rows, err := conn.Query(ctx, st.SQL, st.Args...)
	if err != nil {
		return nil, pgFailure(err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return out, pgFailure(err)
}

func (p *Postgres) connArgs(user string) []string {
	args := []string{"--username=" + user, "--no-password"}
	if p.cfg.Host != "" {
		args = append(args, "--host="+p.cfg.Host)
	}
	if p.cfg.Port != 0 {
		args = append(args, "--port="+strconv.Itoa(p.cfg.Port))
	}
	return args
}

func (p *Postgres) Dump(ctx context.Context, req DumpRequest) (string, error) {
	path := dumpPath(req)
	args := append(p.connArgs(req.User), "--format=plain", "--no-owner", "--file="+path, req.Name)
	_, err := p.runner.Run(ctx, hostexec.Command{
		Name:    "pg_dump",
		Args:    args,
		Env:     []string{"PGPASSWORD=" + req.Secret},
		Timeout: p.cfg.dumpTimeout(),
	})
	if err != nil {
		return "", errors.Annotatef(err, "dump %s", req.Name)
	}
	return path, nil
}

func (p *Postgres) Restore(ctx context.Context, req RestoreRequest) error {
	if err := statDump(req.Path); err != nil {
		return err
	}
	args := append(p.connArgs(req.User), "--set=ON_ERROR_STOP=1", "--dbname="+req.Name, "--file="+req.Path)
	_, err := p.runner.Run(ctx, hostexec.Command{
		Name:    "psql",
		Args:    args,
		Env:     []string{"PGPASSWORD=" + req.Secret},
		Timeout: p.cfg.dumpTimeout(),
	})
	return errors.Annotatef(err, "restore %s", req.Name)
}
