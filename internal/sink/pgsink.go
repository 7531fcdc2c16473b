package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/shortontech/sinkflow/internal/future"
	"github.com/shortontech/sinkflow/internal/stream"
)

// PGConfig holds configuration for the Postgres sink
type PGConfig struct {
	DSN           string
	Table         string
	BatchSize     int
	FlushInterval time.Duration
	UseCopy       bool
}

func (c PGConfig) withDefaults() PGConfig {
	if c.Table == "" {
		c.Table = "items"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	return c
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// validateTableName guards the identifiers interpolated into DDL and DML.
func validateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

type pgItem struct {
	payload string
	done    *future.Future
}

// PGSink batches items into a Postgres table. Each item's outcome resolves
// when the batch holding it is written.
type PGSink struct {
	base
	config PGConfig
	db     *sql.DB

	mu    sync.Mutex
	batch []pgItem

	flushMu sync.Mutex
	kick    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPGSink connects to Postgres, prepares the table and attaches the sink
// below upstream.
func NewPGSink(ctx context.Context, upstream stream.Connector, cfg PGConfig, opts ...Option) (*PGSink, error) {
	cfg = cfg.withDefaults()
	if err := validateTableName(cfg.Table); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s, err := newPGSinkWithDB(ctx, upstream, cfg, db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func newPGSinkWithDB(ctx context.Context, upstream stream.Connector, cfg PGConfig, db *sql.DB, opts []Option) (*PGSink, error) {
	cfg = cfg.withDefaults()
	if err := validateTableName(cfg.Table); err != nil {
		return nil, err
	}

	s := &PGSink{
		config: cfg,
		db:     db,
		batch:  make([]pgItem, 0, cfg.BatchSize),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.init(buildOptions("postgres", opts))
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := s.ensureSchema(ctx); err != nil {
		s.cancel()
		return nil, err
	}
	if err := s.attach(s, upstream); err != nil {
		s.cancel()
		return nil, err
	}

	go s.flushRoutine()
	return s, nil
}

func (s *PGSink) ensureSchema(ctx context.Context) error {
	table := s.config.Table
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL DEFAULT now(),
			payload TEXT NOT NULL
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (ts)`, table, table),
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to prepare table %s: %w", table, err)
		}
	}
	return nil
}

func (s *PGSink) Deliver(_ context.Context, item any, _ stream.Node, _ stream.Metadata) (stream.Outcome, error) {
	payload, err := pgPayload(item)
	if err != nil {
		return stream.Outcome{}, err
	}

	f := future.New()
	s.mu.Lock()
	if s.destroyed() {
		s.mu.Unlock()
		return stream.Outcome{}, ErrInvalidState
	}
	s.batch = append(s.batch, pgItem{payload: payload, done: f})
	full := len(s.batch) >= s.config.BatchSize
	s.mu.Unlock()

	s.metrics.IncItemsReceived(s.name)
	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return stream.Pending(f), nil
}

func pgPayload(item any) (string, error) {
	switch v := item.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	b, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("failed to serialize item: %w", err)
	}
	return string(b), nil
}

func (s *PGSink) flushRoutine() {
	defer close(s.done)
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if err := s.flushBatch(s.ctx); err != nil {
			s.log.Error("postgres flush failed", "error", err)
		}
	}
}

// flushBatch writes the pending batch and resolves its outcomes with the
// result. A failed batch is reported once and not retried.
func (s *PGSink) flushBatch(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.batch
	s.batch = make([]pgItem, 0, s.config.BatchSize)
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	var err error
	if s.config.UseCopy {
		err = s.flushWithCopy(ctx, batch)
	} else {
		err = s.flushWithInsert(ctx, batch)
	}
	s.metrics.ObserveFlushLatency(s.name, time.Since(start))
	if err != nil {
		s.metrics.IncSinkErrors(s.name, "flush_error")
	}

	for _, it := range batch {
		it.done.Resolve(err)
		s.metrics.IncItemsResolved(s.name, err)
	}
	return err
}

// maxInsertRows keeps one INSERT under the Postgres bind parameter limit.
var maxInsertRows = 65535

func (s *PGSink) flushWithInsert(ctx context.Context, batch []pgItem) error {
	if len(batch) == 0 {
		return nil
	}
	if len(batch) <= maxInsertRows {
		return s.insertRows(ctx, s.db, batch)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for chunk := range slices.Chunk(batch, maxInsertRows) {
		if err := s.insertRows(ctx, tx, chunk); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch of %d: %w", len(batch), err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PGSink) insertRows(ctx context.Context, db execer, rows []pgItem) error {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (payload) VALUES ", s.config.Table)
	args := make([]any, len(rows))
	for i, it := range rows {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "($%d)", i+1)
		args[i] = it.payload
	}

	if _, err := db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("failed to insert batch of %d: %w", len(rows), err)
	}
	return nil
}

func (s *PGSink) flushWithCopy(ctx context.Context, batch []pgItem) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(s.config.Table, "payload"))
	if err != nil {
		return fmt.Errorf("failed to prepare COPY: %w", err)
	}

	for _, it := range batch {
		if _, err := stmt.ExecContext(ctx, it.payload); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("failed to copy row: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("failed to finish COPY: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close COPY: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit COPY: %w", err)
	}
	return nil
}

// Pending returns the number of buffered items not yet flushed.
func (s *PGSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batch)
}

// Destroy stops the flush routine, writes what is left and closes the pool.
func (s *PGSink) Destroy() error {
	s.mu.Lock()
	err := s.beginTeardown()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	detachErr := s.detach(s)

	s.cancel()
	<-s.done

	flushErr := s.flushBatch(context.Background())
	if flushErr != nil {
		s.log.Error("final postgres flush failed", "error", flushErr)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close postgres: %w", err)
	}
	if flushErr != nil {
		return flushErr
	}
	return detachErr
}
