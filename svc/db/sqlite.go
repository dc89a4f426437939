package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync/atomic"
	"time"

	"psst/pkg/domain"

	_ "github.com/mattn/go-sqlite3"
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
	defaultMaxOpenConns = 16
	defaultMaxIdleConns = 4
	defaultQueryTimeout = 5 * time.Second
	sweepBatch          = 100
)

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

func NewSQLite(path string, queryTimeout time.Duration) (*SQLite, error) {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{db: db, queryTimeout: queryTimeout}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	switch atomic.LoadInt32(&s.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds &&
			atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
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
	if _, err := s.db.Exec("PRAGMA synchronous=FULL"); err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		content TEXT,
		blob_ref TEXT NOT NULL DEFAULT '',
		encrypted INTEGER NOT NULL DEFAULT 0,
		used INTEGER NOT NULL DEFAULT 0,
		has_secrets INTEGER NOT NULL DEFAULT 0,
		secret_types TEXT NOT NULL DEFAULT '[]',
		salt TEXT NOT NULL DEFAULT '',
		iv TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_expires_at ON pastes(expires_at);
	`
	_, err := s.db.Exec(query)
	return err
}

const pasteColumns = `id, content, blob_ref, encrypted, used, has_secrets, secret_types, salt, iv, size, created_at, expires_at`

func (s *SQLite) Put(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	categories, err := json.Marshal(nonNil(p.SecretCategories))
	if err != nil {
		return errors.Wrap(err, "marshal categories")
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `
	INSERT INTO pastes (`+pasteColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`,
		p.ID, p.Content, p.BlobRef, p.IsEncrypted, p.Consumed, p.SecretFlag, string(categories),
		p.Salt, p.IV, p.Size, p.CreatedAt.Unix(), p.ExpiresAt.Unix(),
	)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db put")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPaste(row rowScanner) (*domain.Paste, error) {
	var (
		p                    domain.Paste
		content              sql.NullString
		categories           string
		createdAt, expiresAt int64
	)
	err := row.Scan(&p.ID, &content, &p.BlobRef, &p.IsEncrypted, &p.Consumed, &p.SecretFlag,
		&categories, &p.Salt, &p.IV, &p.Size, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	if content.Valid {
		c := content.String
		p.Content = &c
	}
	if err := json.Unmarshal([]byte(categories), &p.SecretCategories); err != nil {
		return nil, errors.Wrap(err, "unmarshal categories")
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	p.ExpiresAt = time.Unix(expiresAt, 0)
	return &p, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	row := s.db.QueryRowContext(queryCtx, `SELECT `+pasteColumns+` FROM pastes WHERE id = ?`, id)
	p, err := scanPaste(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	return p, nil
}

func (s *SQLite) Consume(ctx context.Context, id string, now time.Time) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx,
		`UPDATE pastes SET used = 1 WHERE id = ? AND used = 0 AND expires_at > ?`, id, now.Unix())
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db consume")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "delete paste")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	err := s.db.QueryRowContext(queryCtx, `SELECT 1 FROM pastes WHERE id = ? LIMIT 1`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

func (s *SQLite) List(ctx context.Context, limit int) ([]*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx,
		`SELECT `+pasteColumns+` FROM pastes ORDER BY created_at DESC, id LIMIT ?`, limit)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list pastes")
	}
	defer rows.Close()
	var out []*domain.Paste
	for rows.Next() {
		p, err := scanPaste(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan paste")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "list pastes")
}

// CleanupExpired deletes expired records in small batches so writers are not
// starved of the lock.
func (s *SQLite) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	totalDeleted := 0
	maxIterations := 10000
	for i := 0; i < maxIterations; i++ {
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE expires_at <= ?
				LIMIT ?
			)
		`, now.Unix(), sweepBatch)
		cancel()
		s.recordError(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "cleanup batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted < sweepBatch {
			return totalDeleted, nil
		}
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return totalDeleted, errors.New("cleanup hit iteration limit, more records may exist")
}

func (s *SQLite) Ping(ctx context.Context) error {
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
