// Package storage provides the catalog database: alert rules, fired alerts,
// investigations, conversations, the action audit trail, and settings.
// It runs on embedded SQLite by default and PostgreSQL when configured.
package storage

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
	_ "modernc.org/sqlite"             // Register pure-Go sqlite driver
)

//go:embed migrations
var migrationsFS embed.FS

// Backend selects the catalog database engine.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds catalog database configuration.
type Config struct {
	Backend string // "sqlite" (default) or "postgres"

	// SQLite
	Path string // database file path, e.g. data/catalog.db

	// PostgreSQL
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	DSN      string // full connection string; overrides the fields above when set

	// Connection pool settings (postgres only; sqlite serializes on one conn)
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Client wraps the catalog database connection and exposes one store per
// record family.
type Client struct {
	db      *stdsql.DB
	backend string
	logger  *slog.Logger

	Rules          *RuleStore
	Alerts         *AlertStore
	Investigations *InvestigationStore
	Conversations  *ConversationStore
	Audit          *AuditStore
	Settings       *SettingsStore
}

// DB returns the underlying database connection for health checks and direct queries.
func (c *Client) DB() *stdsql.DB {
	return c.db
}

// Backend returns the active database engine name.
func (c *Client) Backend() string {
	return c.backend
}

// Close closes the underlying database connection.
func (c *Client) Close() error {
	return c.db.Close()
}

// Health verifies the database connection is alive.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("catalog database unreachable: %w", err)
	}
	return nil
}

// NewClient opens the catalog database, applies pending migrations, and wires
// the record stores.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendSQLite
	}

	var db *stdsql.DB
	var err error
	switch backend {
	case BackendSQLite:
		db, err = openSQLite(cfg)
	case BackendPostgres:
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, backend, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	c := &Client{
		db:      db,
		backend: backend,
		logger:  slog.With("component", "storage"),
	}
	c.Rules = &RuleStore{c: c}
	c.Alerts = &AlertStore{c: c}
	c.Investigations = &InvestigationStore{c: c}
	c.Conversations = &ConversationStore{c: c}
	c.Audit = &AuditStore{c: c}
	c.Settings = &SettingsStore{c: c}

	c.logger.Info("Catalog database ready", "backend", backend)
	return c, nil
}

func openSQLite(cfg Config) (*stdsql.DB, error) {
	path := cfg.Path
	if path == "" {
		path = filepath.Join("data", "catalog.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := stdsql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection: all writers serialize, SQLITE_BUSY never surfaces.
	db.SetMaxOpenConns(1)
	return db, nil
}

func openPostgres(cfg Config) (*stdsql.DB, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
		)
	}
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return db, nil
}

// runMigrations applies pending migrations from the per-dialect embedded
// directory. Migration files are embedded into the binary so production
// deployments need no external files.
func runMigrations(db *stdsql.DB, backend, dbName string) error {
	var driver database.Driver
	var err error
	switch backend {
	case BackendSQLite:
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case BackendPostgres:
		driver, err = migratepg.WithInstance(db, &migratepg.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+backend)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	if dbName == "" {
		dbName = "catalog"
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source. m.Close() would also close the database
	// driver, which closes the shared *sql.DB passed via WithInstance.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// Timestamps are stored as unix milliseconds in both dialects so the stores
// can share statements.
func tsToMS(t time.Time) int64 { return t.UnixMilli() }

func tsFromMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func tsPtrToMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func tsPtrFromMS(ms stdsql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}

// rebind rewrites ? placeholders to $N for postgres. Store statements are
// written with ? and rebound per backend.
func (c *Client) rebind(query string) string {
	if c.backend != BackendPostgres {
		return query
	}
	var out []byte
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (c *Client) exec(ctx context.Context, query string, args ...any) (stdsql.Result, error) {
	return c.db.ExecContext(ctx, c.rebind(query), args...)
}

func (c *Client) query(ctx context.Context, query string, args ...any) (*stdsql.Rows, error) {
	return c.db.QueryContext(ctx, c.rebind(query), args...)
}

func (c *Client) queryRow(ctx context.Context, query string, args ...any) *stdsql.Row {
	return c.db.QueryRowContext(ctx, c.rebind(query), args...)
}
