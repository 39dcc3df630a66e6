// Package store implements the persistence layer: database open/bootstrap,
// versioned schema migrations, and the UPS and device repositories.
package store

import (
	"fmt"
	"net/url"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

func init() {
	// modernc registers as "sqlite"; teach sqlx its bind style.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// DB wraps sqlx.DB with the driver name so repos can branch on dialect.
type DB struct {
	*sqlx.DB
	driver string
}

// OpenSQLite opens (or creates) the SQLite database at path with WAL mode
// and a single connection (single-writer).
func OpenSQLite(path string) (*DB, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}
	return &DB{DB: db, driver: "sqlite"}, nil
}

// PostgresConfig holds the DATABASE_* connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Name     string
	TLSMode  string // require | prefer | disable
}

// OpenPostgres opens a Postgres database via lib/pq.
func OpenPostgres(cfg PostgresConfig) (*DB, error) {
	// lib/pq has no "prefer" mode; it degrades to "require" here.
	sslmode := cfg.TLSMode
	if sslmode == "prefer" {
		sslmode = "require"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     cfg.Name,
		RawQuery: "sslmode=" + sslmode,
	}
	dsn := u.String()
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
	}
	return &DB{DB: db, driver: "postgres"}, nil
}
