package dbengine

import (
	"strings"

	"github.com/jackc/pgx/v5"
)

// Statement is one administrative statement. Database names the catalog the
// statement must run in; empty means the engine's maintenance database.
type Statement struct {
	SQL      string
	Args     []any
	Database string
}

// Dialect builds engine statements. Identifiers are validated by the caller
// and quoted here; secrets are always bound or escaped, never spliced raw.
type Dialect interface {
	CreateSchema(name string) Statement
	CreateUser(user, secret string) Statement
	Grant(name, user string) Statement
	AlterSecret(user, secret string) Statement
	DropSchema(name string) Statement
	DropUser(user string) Statement
	ListTables(name string) Statement
	SchemaSize(name string) Statement
	Optimize(name, table string) Statement
	Repair(name, table string) Statement
	Ping() Statement
}

type MySQLDialect struct{}

func quoteMySQL(id string) string {
	return "`" + strings.ReplaceAll(id, "`", "``") + "`"
}

func (MySQLDialect) CreateSchema(name string) Statement {
	return Statement{SQL: "CREATE DATABASE " + quoteMySQL(name) + " CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci"}
}

func (MySQLDialect) CreateUser(user, secret string) Statement {
	return Statement{SQL: "CREATE USER ?@'localhost' IDENTIFIED BY ?", Args: []any{user, secret}}
}

func (MySQLDialect) Grant(name, user string) Statement {
	return Statement{SQL: "GRANT ALL PRIVILEGES ON " + quoteMySQL(name) + ".* TO ?@'localhost'", Args: []any{user}}
}

func (MySQLDialect) AlterSecret(user, secret string) Statement {
	return Statement{SQL: "ALTER USER ?@'localhost' IDENTIFIED BY ?", Args: []any{user, secret}}
}

func (MySQLDialect) DropSchema(name string) Statement {
	return Statement{SQL: "DROP DATABASE IF EXISTS " + quoteMySQL(name)}
}

func (MySQLDialect) DropUser(user string) Statement {
	return Statement{SQL: "DROP USER IF EXISTS ?@'localhost'", Args: []any{user}}
}

func (MySQLDialect) ListTables(name string) Statement {
	return Statement{
		SQL:  "SELECT table_name FROM information_schema.tables WHERE table_schema = ? AND table_type = 'BASE TABLE' ORDER BY table_name",
		Args: []any{name},
	}
}

func (MySQLDialect) SchemaSize(name string) Statement {
	return Statement{
		SQL:  "SELECT CAST(COALESCE(SUM(data_length + index_length), 0) AS CHAR) FROM information_schema.tables WHERE table_schema = ?",
		Args: []any{name},
	}
}

func (MySQLDialect) Optimize(name, table string) Statement {
	return Statement{SQL: "OPTIMIZE TABLE " + quoteMySQL(name) + "." + quoteMySQL(table)}
}

func (MySQLDialect) Repair(name, table string) Statement {
	return Statement{SQL: "REPAIR TABLE " + quoteMySQL(name) + "." + quoteMySQL(table)}
}

func (MySQLDialect) Ping() Statement { return Statement{SQL: "SELECT 1"} }

type PostgresDialect struct{}

func quotePG(id string) string { return pgx.Identifier{id}.Sanitize() }

// literalPG quotes s as a standard-conforming string literal. Role DDL does
// not accept bind parameters.
func literalPG(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (PostgresDialect) CreateSchema(name string) Statement {
	return Statement{SQL: "CREATE DATABASE " + quotePG(name) + " ENCODING 'UTF8'"}
}

func (PostgresDialect) CreateUser(user, secret string) Statement {
	return Statement{SQL: "CREATE ROLE " + quotePG(user) + " LOGIN PASSWORD " + literalPG(secret)}
}

// Grant hands the database over to the role so it can create objects in the
// public schema on servers where CREATE is no longer granted to PUBLIC.
func (PostgresDialect) Grant(name, user string) Statement {
	return Statement{SQL: "ALTER DATABASE " + quotePG(name) + " OWNER TO " + quotePG(user)}
}

func (PostgresDialect) AlterSecret(user, secret string) Statement {
	return Statement{SQL: "ALTER ROLE " + quotePG(user) + " WITH PASSWORD " + literalPG(secret)}
}

func (PostgresDialect) DropSchema(name string) Statement {
	return Statement{SQL: "DROP DATABASE IF EXISTS " + quotePG(name)}
}

func (PostgresDialect) DropUser(user string) Statement {
	return Statement{SQL: "DROP ROLE IF EXISTS " + quotePG(user)}
}

func (PostgresDialect) ListTables(name string) Statement {
	return Statement{
		SQL:      "SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = 'public' ORDER BY tablename",
		Database: name,
	}
}

func (PostgresDialect) SchemaSize(name string) Statement {
	return Statement{SQL: "SELECT pg_database_size($1)::text", Args: []any{name}}
}

func (PostgresDialect) Optimize(name, table string) Statement {
	return Statement{SQL: "VACUUM ANALYZE " + quotePG(table), Database: name}
}

func (PostgresDialect) Repair(name, table string) Statement {
	return Statement{SQL: "REINDEX TABLE " + quotePG(table), Database: name}
}

func (PostgresDialect) Ping() Statement { return Statement{SQL: "SELECT 1"} }
