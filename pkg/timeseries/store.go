// Package timeseries is the telemetry store behind ingestion and the agent's
// historical tools: seven tables for metrics, logs, SDK events, spans,
// dependency calls, SDK metrics, and deploy events.
//
// Writes funnel through a single writer goroutine so batches commit in
// arrival order and the pending-batch queue depth can drive ingest
// backpressure. Reads run concurrently on the shared pool.
package timeseries

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Kind names one of the telemetry tables.
type Kind string

const (
	KindSystemMetrics   Kind = "system_metrics"
	KindLogIndex        Kind = "log_index"
	KindSDKEvents       Kind = "sdk_events"
	KindSpans           Kind = "spans"
	KindDependencyCalls Kind = "dependency_calls"
	KindSDKMetrics      Kind = "sdk_metrics"
	KindDeployEvents    Kind = "deploy_events"
)

// Kinds lists every table, in purge order.
func Kinds() []Kind {
	return []Kind{
		KindSystemMetrics, KindLogIndex, KindSDKEvents, KindSpans,
		KindDependencyCalls, KindSDKMetrics, KindDeployEvents,
	}
}

const (
	defaultQueryTimeout = 5 * time.Second
	defaultQueueSize    = 64
	defaultMaxLimit     = 1000
	defaultLimit        = 100
)

// Store is the append/query interface over the telemetry database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	queryTimeout time.Duration
	highWater    int

	appendQ chan *appendJob
	done    chan struct{}
}

type appendJob struct {
	rows Rows
	err  chan error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithQueryTimeout overrides the hard query deadline (default 5s).
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.queryTimeout = d
		}
	}
}

// WithHighWater overrides the write-queue depth that reports saturation.
func WithHighWater(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.highWater = n
		}
	}
}

// Open creates or opens the telemetry database at dir/telemetry.db and
// starts the writer. SQLite keeps a single write connection; reads come from
// the same pool and proceed concurrently under WAL.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, "telemetry.db")

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open telemetry db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:           db,
		logger:       slog.Default().With("component", "timeseries"),
		queryTimeout: defaultQueryTimeout,
		highWater:    defaultQueueSize,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.appendQ = make(chan *appendJob, s.highWater*2)

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	go s.writeLoop()

	s.logger.Info("Telemetry store opened", "path", path)
	return s, nil
}

func (s *Store) init() error {
	for _, ddl := range schema {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("apply telemetry schema: %w", err)
		}
	}
	return nil
}

// Append inserts a typed batch in one transaction. The call blocks until the
// batch commits, so a read that follows a successful Append sees its rows.
func (s *Store) Append(ctx context.Context, rows Rows) error {
	if rows.Len() == 0 {
		return nil
	}
	job := &appendJob{rows: rows, err: make(chan error, 1)}

	select {
	case s.appendQ <- job:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-job.err:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth is the number of batches waiting on the writer.
func (s *Store) Depth() int { return len(s.appendQ) }

// Saturated reports whether the write queue is past its high-water mark,
// which makes the ingest endpoint answer 429 with a retry hint.
func (s *Store) Saturated() bool { return len(s.appendQ) >= s.highWater }

func (s *Store) writeLoop() {
	for {
		select {
		case <-s.done:
			// Drain what is already queued so accepted batches land.
			for {
				select {
				case job := <-s.appendQ:
					job.err <- s.commit(job.rows)
				default:
					return
				}
			}
		case job := <-s.appendQ:
			job.err <- s.commit(job.rows)
		}
	}
}

func (s *Store) commit(rows Rows) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	if err := rows.insert(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("append %s: %w", rows.Kind(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Close stops the writer and closes the database. Pending batches that were
// already queued are flushed first.
func (s *Store) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	// Give the writer a moment to drain.
	deadline := time.After(2 * time.Second)
	for len(s.appendQ) > 0 {
		select {
		case <-deadline:
			s.logger.Warn("Telemetry writer closed with pending batches", "pending", len(s.appendQ))
			return s.db.Close()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS system_metrics (
		timestamp   INTEGER NOT NULL,
		metric_name TEXT NOT NULL,
		value       REAL NOT NULL,
		labels      TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS log_index (
		timestamp       INTEGER NOT NULL,
		file_path       TEXT NOT NULL,
		line_offset     INTEGER NOT NULL DEFAULT 0,
		severity        TEXT,
		message_preview TEXT,
		source          TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS sdk_events (
		timestamp  INTEGER NOT NULL,
		service    TEXT NOT NULL,
		event_type TEXT NOT NULL,
		data       TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS spans (
		timestamp      INTEGER NOT NULL,
		trace_id       TEXT NOT NULL,
		span_id        TEXT NOT NULL,
		parent_span_id TEXT,
		service        TEXT NOT NULL,
		name           TEXT NOT NULL,
		kind           TEXT,
		duration_ms    REAL,
		status         TEXT,
		error_type     TEXT,
		error_message  TEXT,
		data           TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS dependency_calls (
		timestamp      INTEGER NOT NULL,
		trace_id       TEXT,
		span_id        TEXT,
		parent_span_id TEXT,
		service        TEXT NOT NULL,
		dep_type       TEXT NOT NULL,
		target         TEXT NOT NULL,
		operation      TEXT,
		duration_ms    REAL,
		status         TEXT,
		status_code    INTEGER,
		error_message  TEXT,
		data           TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS sdk_metrics (
		timestamp   INTEGER NOT NULL,
		service     TEXT NOT NULL,
		metric_name TEXT NOT NULL,
		value       REAL NOT NULL,
		labels      TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS deploy_events (
		timestamp        INTEGER NOT NULL,
		service          TEXT NOT NULL,
		version          TEXT,
		git_sha          TEXT,
		environment      TEXT,
		previous_version TEXT,
		data             TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_ts ON system_metrics (timestamp, metric_name)`,
	`CREATE INDEX IF NOT EXISTS idx_log_ts ON log_index (timestamp, severity)`,
	`CREATE INDEX IF NOT EXISTS idx_sdk_ts ON sdk_events (timestamp, service, event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans (trace_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_spans_service ON spans (service, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_deps_service ON dependency_calls (service, timestamp, dep_type)`,
	`CREATE INDEX IF NOT EXISTS idx_sdk_metrics_ts ON sdk_metrics (timestamp, service, metric_name)`,
	`CREATE INDEX IF NOT EXISTS idx_deploy_service ON deploy_events (service, timestamp)`,
}
