// Package dbengine talks to the MySQL/MariaDB and PostgreSQL servers that
// host customer databases: administrative statements over a privileged
// connection, and dumps and restores through the engine's own client tools.
package dbengine

import (
	"context"
	"strconv"
	"time"

	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/models"
)

// Engine is one database server.
type Engine interface {
	Kind() models.EngineKind
	Dialect() Dialect
	// ExecAdmin runs st over the administrative connection.
	ExecAdmin(ctx context.Context, st Statement) error
	// QueryAdmin runs st and returns the first column of every row.
	QueryAdmin(ctx context.Context, st Statement) ([]string, error)
	// ExecAs runs st connected as user.
	ExecAs(ctx context.Context, user, secret string, st Statement) error
	// Dump writes an engine-native dump of name into dir and returns its path.
	Dump(ctx context.Context, req DumpRequest) (string, error)
	Restore(ctx context.Context, req RestoreRequest) error
}

type DumpRequest struct {
	Name   string
	User   string
	Secret string
	Dir    string
	At     time.Time
}

type RestoreRequest struct {
	Name   string
	User   string
	Secret string
	Path   string
}

// Config is the admin endpoint of one engine.
type Config struct {
	// Host is a hostname or an absolute unix socket path.
	Host          string
	Port          int
	AdminUser     string
	AdminPassword string
	Timeout       time.Duration
	DumpTimeout   time.Duration
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30 * time.Second
}

func (c Config) dumpTimeout() time.Duration {
	if c.DumpTimeout > 0 {
		return c.DumpTimeout
	}
	return 10 * time.Minute
}

// Registry picks the engine for a record.
type Registry map[models.EngineKind]Engine

func (r Registry) Get(kind models.EngineKind) (Engine, error) {
	if kind == "" {
		kind = models.EngineMySQL
	}
	e, ok := r[kind]
	if !ok || e == nil {
		return nil, errors.NotValidf("database engine %q", kind)
	}
	return e, nil
}

// Size returns the on-disk size the engine reports for name.
func Size(ctx context.Context, e Engine, name string) (int64, error) {
	rows, err := e.QueryAdmin(ctx, e.Dialect().SchemaSize(name))
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := strconv.ParseInt(rows[0], 10, 64)
	if err != nil {
		return 0, errors.Annotatef(err, "size of %s", name)
	}
	return n, nil
}
