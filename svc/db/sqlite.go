package db

import (
	"context"
	"database/sql"
	"pastelite/pkg/domain"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 25
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
	purgeBatchSize      = 100
	purgeMaxIterations  = 10000
)

const pasteColumns = `id, content, created_at, ttl_seconds, max_views, view_count`

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", withPragmas(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// withPragmas puts the per-connection pragmas into the DSN so that every
// pooled connection gets them, not just the one that ran migrate.
func withPragmas(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL"
}
func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}
func (s *SQLite) recordError(err error) {
	if err == nil || errors.Is(err, sql.ErrNoRows) || errors.Is(err, ErrDuplicateID) {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}
func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		ttl_seconds INTEGER,
		max_views INTEGER,
		view_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_created_at ON pastes(created_at);
	`
	_, err := s.db.Exec(query)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaste(row rowScanner) (*domain.Paste, error) {
	var (
		p        domain.Paste
		ttl      sql.NullInt64
		maxViews sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Content, &p.CreatedAt, &ttl, &maxViews, &p.ViewCount); err != nil {
		return nil, err
	}
	if ttl.Valid {
		p.TTLSeconds = &ttl.Int64
	}
	if maxViews.Valid {
		p.MaxViews = &maxViews.Int64
	}
	return &p, nil
}

func nullable(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func (s *SQLite) Insert(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (id, content, created_at, ttl_seconds, max_views, view_count)
	VALUES (?, ?, ?, ?, ?, 0)
	`
	_, err := s.db.ExecContext(queryCtx, q, p.ID, p.Content, p.CreatedAt, nullable(p.TTLSeconds), nullable(p.MaxViews))
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		err = ErrDuplicateID
	}
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db insert")
	}
	p.ViewCount = 0
	return nil
}

// ConsumeView is a single UPDATE ... RETURNING: the availability predicate is
// evaluated against the pre-increment row inside the same statement, so two
// callers racing for the last view cannot both match.
func (s *SQLite) ConsumeView(ctx context.Context, id string, nowMs int64) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	UPDATE pastes
	SET view_count = view_count + 1
	WHERE id = ?
		AND (ttl_seconds IS NULL OR ? < created_at + ttl_seconds * 1000)
		AND (max_views IS NULL OR view_count < max_views)
	RETURNING ` + pasteColumns
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, q, id, nowMs))
	s.recordError(err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db consume view")
	}
	return p, nil
}
func (s *SQLite) Fetch(ctx context.Context, id string) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `SELECT ` + pasteColumns + ` FROM pastes WHERE id = ?`
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, q, id))
	s.recordError(err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db fetch")
	}
	return p, nil
}

// PurgeExpired deletes tombstones: TTL-expired rows whose expiry is older
// than retention, and view-exhausted rows created more than retention ago.
func (s *SQLite) PurgeExpired(ctx context.Context, nowMs int64, retention time.Duration) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	cutoff := nowMs - retention.Milliseconds()
	totalDeleted := 0
	for i := 0; i < purgeMaxIterations; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE (ttl_seconds IS NOT NULL AND created_at + ttl_seconds * 1000 <= ?)
					OR (max_views IS NOT NULL AND view_count >= max_views AND created_at <= ?)
				LIMIT ?
			)
		`, cutoff, cutoff, purgeBatchSize)
		cancel()
		s.recordError(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "purge batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted < purgeBatchSize {
			return totalDeleted, nil
		}
	}
	return totalDeleted, errors.New("purge hit iteration limit, more records may exist")
}
func (s *SQLite) Ping(ctx context.Context) error {
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}
func (s *SQLite) Close() error {
	return s.db.Close()
}
