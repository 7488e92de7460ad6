package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// dialect adapts the shared SQL to one driver. Queries are written with ?
// placeholders and rebound for drivers that number them.
type dialect struct {
	open     func(domain.RepositoryConfig) (*sql.DB, error)
	numbered bool
}

var dialects = map[string]dialect{
	"sqlite":   {open: openSQLite},
	"postgres": {open: openPostgres, numbered: true},
}

// connect opens the configured database and checks it answers.
func connect(cfg domain.RepositoryConfig) (*sql.DB, error) {
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	db, err := d.open(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", cfg.Driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// openSQLite uses the pure Go modernc driver, so no cgo toolchain is needed.
// WAL lets the API read runs while a batch is being written.
func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./kestrel.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	pragmas := url.Values{}
	for _, p := range []string{"journal_mode(WAL)", "synchronous(NORMAL)", "busy_timeout(5000)", "foreign_keys(ON)"} {
		pragmas.Add("_pragma", p)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?"+pragmas.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return db, nil
}

// postgresURL builds a connection URL, filling in local defaults.
func postgresURL(cfg domain.RepositoryConfig) string {
	host := cmpOr(cfg.PostgresHost, "localhost")
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + cmpOr(cfg.PostgresDB, "kestrel"),
		RawQuery: url.Values{"sslmode": {cmpOr(cfg.PostgresSSLMode, "disable")}}.Encode(),
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	return u.String()
}

func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	connector, err := pq.NewConnector(postgresURL(cfg))
	if err != nil {
		return nil, fmt.Errorf("configure postgres: %w", err)
	}
	return sql.OpenDB(connector), nil
}

func cmpOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// rebind rewrites ? placeholders as $1, $2, ... when the driver numbers them.
func (r *SQLRepository) rebind(query string) string {
	if !dialects[r.driver].numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, c := range query {
		if c != '?' {
			b.WriteRune(c)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}
