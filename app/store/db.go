package store

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-pkgz/lcw/v2"
	log "github.com/go-pkgz/lgr"
	_ "github.com/jackc/pgx/v5/stdlib" // postgresql driver
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// DBType identifies the database engine behind the store.
type DBType int

// Supported database engines.
const (
	DBTypeSQLite DBType = iota
	DBTypePostgres
)

// RWLocker abstracts the store lock: SQLite needs a serialized writer,
// PostgreSQL handles concurrent access on its own.
type RWLocker interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

type noopLocker struct{}

func (noopLocker) Lock()    {}
func (noopLocker) Unlock()  {}
func (noopLocker) RLock()   {}
func (noopLocker) RUnlock() {}

// Store keeps users and single-use tokens.
type Store struct {
	db     *sqlx.DB
	dbType DBType
	mu     RWLocker
	dirs   Dirs
	users  lcw.LoadingCache[Userinfo]
}

// New creates a Store on the given database URL and creates the schema.
// Database type is detected from the URL:
// - postgres:// or postgresql:// -> PostgreSQL
// - everything else -> SQLite file path
// The dirs collaborator provisions and removes per-user data trees as users
// come and go.
func New(dbURL string, dirs Dirs) (*Store, error) {
	dbType := detectDBType(dbURL)

	var db *sqlx.DB
	var err error
	var locker RWLocker

	switch dbType {
	case DBTypePostgres:
		db, err = connectPostgres(dbURL)
		locker = noopLocker{}
	default:
		db, err = connectSQLite(dbURL)
		locker = &sync.RWMutex{}
	}

	if err != nil {
		return nil, err
	}

	o := lcw.NewOpts[Userinfo]()
	users, err := lcw.NewExpirableCache(o.MaxKeys(1024), o.TTL(5*time.Minute))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create identity cache: %w", err)
	}

	s := &Store{db: db, dbType: dbType, mu: locker, dirs: dirs, users: users}

	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Printf("[DEBUG] initialized %s store", s.dbTypeName())
	return s, nil
}

// detectDBType determines database type from URL.
func detectDBType(url string) DBType {
	lower := strings.ToLower(url)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DBTypePostgres
	}
	return DBTypeSQLite
}

// connectSQLite establishes SQLite connection with pragmas.
func connectSQLite(dbPath string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	// set pragmas for performance and reliability
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=1000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	// limit connections for SQLite (single writer)
	db.SetMaxOpenConns(1)

	return db, nil
}

// connectPostgres establishes PostgreSQL connection.
func connectPostgres(dbURL string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	// set reasonable connection pool defaults
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// createSchema creates the users and tokens tables if they don't exist.
func (s *Store) createSchema() error {
	var statements []string
	switch s.dbType {
	case DBTypePostgres:
		statements = []string{`
			CREATE TABLE IF NOT EXISTS users (
				username  TEXT    NOT NULL UNIQUE,
				sessionid BIGINT  NOT NULL UNIQUE,
				pass_hash TEXT    NOT NULL,
				totp      TEXT    NOT NULL,
				is_admin  BOOLEAN NOT NULL DEFAULT FALSE
			)`, `
			CREATE TABLE IF NOT EXISTS tokens (
				id          BIGSERIAL PRIMARY KEY,
				token       TEXT      NOT NULL UNIQUE,
				expire_date BIGINT    NOT NULL,
				for_user    TEXT
			)`}
	default:
		statements = []string{`
			CREATE TABLE IF NOT EXISTS users (
				username  TEXT    NOT NULL UNIQUE,
				sessionid BIGINT  NOT NULL UNIQUE,
				pass_hash TEXT    NOT NULL,
				totp      TEXT    NOT NULL,
				is_admin  INTEGER NOT NULL DEFAULT 0
			)`, `
			CREATE TABLE IF NOT EXISTS tokens (
				id          INTEGER PRIMARY KEY,
				token       TEXT    NOT NULL UNIQUE,
				expire_date BIGINT  NOT NULL,
				for_user    TEXT
			)`}
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}
	return nil
}

// dbTypeName returns human-readable database type name.
func (s *Store) dbTypeName() string {
	switch s.dbType {
	case DBTypePostgres:
		return "postgres"
	default:
		return "sqlite"
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// adoptQuery converts SQLite placeholders (?) to PostgreSQL ($1, $2, ...).
func (s *Store) adoptQuery(query string) string {
	if s.dbType != DBTypePostgres {
		return query
	}

	result := make([]byte, 0, len(query)+10)
	paramNum := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", paramNum)...)
			paramNum++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

// isUniqueViolation matches constraint errors across sqlite ("UNIQUE
// constraint failed") and postgres ("duplicate key value violates unique
// constraint", SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
