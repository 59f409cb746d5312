package dbengine

import (
	"context"
	"database/sql"
	"net"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/models"
	"github.com/nebula-panel/nebula/packages/lib/failure"
	"github.com/nebula-panel/nebula/packages/lib/hostexec"
)

// MySQL serves MySQL and MariaDB. Statements go through the driver with
// client-side interpolation so account DDL can carry bound values.
type MySQL struct {
	cfg    Config
	runner hostexec.Runner
	admin  *sql.DB
}

func NewMySQL(cfg Config, runner hostexec.Runner) (*MySQL, error) {
	db, err := sql.Open("mysql", mysqlDSN(cfg, cfg.AdminUser, cfg.AdminPassword, ""))
	if err != nil {
		return nil, errors.Annotate(err, "open mysql admin connection")
	}
	db.SetMaxOpenConns(2)
	return &MySQL{cfg: cfg, runner: runner, admin: db}, nil
}

func mysqlDSN(cfg Config, user, password, dbName string) string {
	mc := mysql.NewConfig()
	mc.User = user
	mc.Passwd = password
	mc.DBName = dbName
	mc.InterpolateParams = true
	mc.Timeout = cfg.timeout()
	if strings.HasPrefix(cfg.Host, "/") {
		mc.Net = "unix"
		mc.Addr = cfg.Host
	} else {
		port := cfg.Port
		if port == 0 {
			port = 3306
		}
		host := cfg.Host
		if host == "" {
			host = "127.0.0.1"
		}
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return mc.FormatDSN()
}

func (m *MySQL) Kind() models.EngineKind { return models.EngineMySQL }

func (m *MySQL) Dialect() Dialect { return MySQLDialect{} }

func (m *MySQL) Close() error { return m.admin.Close() }

func mysqlFailure(err error) error {
	if err == nil {
		return nil
	}
	return failure.Tool("mysql", err.Error(), err)
}

func (m *MySQL) ExecAdmin(ctx context.Context, st Statement) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.timeout())
	defer cancel()
	_, err := m.admin.ExecContext(ctx, st.SQL, st.Args...)
	return mysqlFailure(err)
}

func (m *MySQL) QueryAdmin(ctx context.Context, st Statement) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.timeout())
	defer cancel()
	rows, err := m.admin.QueryContext(ctx, st.SQL, st.Args...)
	if err != nil {
		return nil, mysqlFailure(err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, mysqlFailure(err)
		}
		out = append(out, v.String)
	}
	return out, mysqlFailure(rows.Err())
}

func (m *MySQL) ExecAs(ctx context.Context, user, secret string, st Statement) error {
	db, err := sql.Open("mysql", mysqlDSN(m.cfg, user, secret, st.Database))
	if err != nil {
		return errors.Trace(err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.timeout())
	defer cancel()
	_, err = db.ExecContext(ctx, st.SQL, st.Args...)
	return mysqlFailure(err)
}

// connArgs are the client-tool flags for the configured endpoint.
func (m *MySQL) connArgs(user string) []string {
	args := []string{"--user=" + user}
	if strings.HasPrefix(m.cfg.Host, "/") {
		return append(args, "--socket="+m.cfg.Host)
	}
	if m.cfg.Host != "" {
		args = append(args, "--host="+m.cfg.Host)
	}
	if m.cfg.Port != 0 {
		args = append(args, "--port="+strconv.Itoa(m.cfg.Port))
	}
	return args
}

func (m *MySQL) Dump(ctx context.Context, req DumpRequest) (string, error) {
	path := dumpPath(req)
	args := append(m.connArgs(req.User),
		"--single-transaction", "--routines", "--triggers",
		"--result-file="+path, "--databases", req.Name)
	_, err := m.runner.Run(ctx, hostexec.Command{
		Name:    "mysqldump",
		Args:    args,
		Env:     []string{"MYSQL_PWD=" + req.Secret},
		Timeout: m.cfg.dumpTimeout(),
	})
	if err != nil {
		return "", errors.Annotatef(err, "dump %s", req.Name)
	}
	return path, nil
}

func (m *MySQL) Restore(ctx context.Context, req RestoreRequest) error {
	data, err := readDump(req.Path)
	if err != nil {
		return err
	}
	_, err = m.runner.Run(ctx, hostexec.Command{
		Name:    "mysql",
		Args:    append(m.connArgs(req.User), req.Name),
		Env:     []string{"MYSQL_PWD=" + req.Secret},
		Stdin:   data,
		Timeout: m.cfg.dumpTimeout(),
	})
	return errors.Annotatef(err, "restore %s", req.Name)
}
