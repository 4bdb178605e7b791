// Package store persists what must outlive the process: identifier mappings,
// the workflow transition log, operator accounts and the messaging outbox.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"agroops/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// DB wraps the SQL connection and the dialect it was opened with.
type DB struct {
	*sql.DB
	dialect Dialect
	driver  string
}

// backend describes how to reach one SQL driver.
type backend struct {
	driver   string // database/sql driver name
	dsn      string
	dialect  Dialect
	schema   string
	maxConns int
}

// Open connects to the configured backend and creates missing tables.
func Open(cfg *config.DatabaseConfig) (*DB, error) {
	var b backend
	switch cfg.Driver {
	case "sqlite", "":
		b = backend{
			driver:   "sqlite",
			dsn:      fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", cfg.SQLite.Path),
			dialect:  sqliteDialect{},
			schema:   schemaSQLite,
			maxConns: 1,
		}
	case "postgres":
		p := cfg.Postgres
		b = backend{
			driver: "pgx",
			dsn: fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
				p.Host, p.Port, p.Database, p.User, p.Password, p.SSLMode),
			dialect:  postgresDialect{},
			schema:   schemaPostgres,
			maxConns: 8,
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
	return open(b)
}

func open(b backend) (*DB, error) {
	name := b.driver
	if name == "pgx" {
		name = "postgres"
	}
	sqlDB, err := sql.Open(b.driver, b.dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	sqlDB.SetMaxOpenConns(b.maxConns)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	db := &DB{DB: sqlDB, dialect: b.dialect, driver: name}
	if _, err := db.Exec(b.schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", name, err)
	}
	return db, nil
}

func (db *DB) Dialect() Dialect { return db.dialect }
func (db *DB) Driver() string   { return db.driver }

// Q adapts a query written for SQLite to the open backend.
func (db *DB) Q(query string) string {
	if db.driver != "postgres" {
		return query
	}
	return Rebind(strings.ReplaceAll(query, sqliteDialect{}.Now(), db.dialect.Now()))
}
