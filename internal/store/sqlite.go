package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/inkwell-labs/inkd/internal/domain"
	_ "modernc.org/sqlite"
)

const defaultListLimit = 50

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS revisions (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		provider_id TEXT,
		model_id TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_revisions_entity ON revisions(entity_id, kind, created_at);
	CREATE INDEX IF NOT EXISTS idx_revisions_created ON revisions(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveRevision inserts a revision record.
func (s *SQLiteStore) SaveRevision(ctx context.Context, rev *domain.Revision) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if rev.ID == "" {
		return fmt.Errorf("save revision: missing id")
	}
	createdAt := rev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
	INSERT INTO revisions (id, entity_id, kind, content, provider_id, model_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	var providerID, modelID interface{}
	if rev.ProviderID != "" {
		providerID = rev.ProviderID
	}
	if rev.ModelID != "" {
		modelID = rev.ModelID
	}

	_, err := s.db.ExecContext(ctx, query,
		rev.ID, rev.EntityID, rev.Kind, rev.Content,
		providerID, modelID, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

// ListRevisions retrieves revisions for an entity, newest first.
func (s *SQLiteStore) ListRevisions(ctx context.Context, entityID string, kind string, limit int) ([]*domain.Revision, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT id, entity_id, kind, content, provider_id, model_id, created_at
		FROM revisions WHERE entity_id = ?`
	args := []interface{}{entityID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close revision rows", "error", closeErr)
		}
	}()

	var revs []*domain.Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		revs = append(revs, rev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}

	return revs, nil
}

// LatestRevision retrieves the newest revision for an entity and kind.
func (s *SQLiteStore) LatestRevision(ctx context.Context, entityID string, kind string) (*domain.Revision, error) {
	query := `
		SELECT id, entity_id, kind, content, provider_id, model_id, created_at
		FROM revisions WHERE entity_id = ? AND kind = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, entityID, kind)

	rev, err := scanRevision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rev, nil
}

// PruneRevisions keeps the newest keep revisions for an entity and kind.
func (s *SQLiteStore) PruneRevisions(ctx context.Context, entityID string, kind string, keep int) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if keep < 0 {
		keep = 0
	}

	query := `
	DELETE FROM revisions WHERE entity_id = ? AND kind = ? AND id NOT IN (
		SELECT id FROM revisions WHERE entity_id = ? AND kind = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	)`

	result, err := s.db.ExecContext(ctx, query, entityID, kind, entityID, kind, keep)
	if err != nil {
		return 0, fmt.Errorf("prune revisions: %w", err)
	}
	return result.RowsAffected()
}

// DeleteRevisions removes every revision for an entity.
func (s *SQLiteStore) DeleteRevisions(ctx context.Context, entityID string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM revisions WHERE entity_id = ?`, entityID)
	if err != nil {
		return 0, fmt.Errorf("delete revisions: %w", err)
	}
	return result.RowsAffected()
}

// CleanupRevisions removes revisions older than maxAge.
func (s *SQLiteStore) CleanupRevisions(ctx context.Context, maxAge time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	threshold := time.Now().Add(-maxAge).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM revisions WHERE created_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup revisions: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRevision(row rowScanner) (*domain.Revision, error) {
	var rev domain.Revision
	var providerID, modelID sql.NullString
	var createdAt int64

	err := row.Scan(
		&rev.ID, &rev.EntityID, &rev.Kind, &rev.Content,
		&providerID, &modelID, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan revision row: %w", err)
	}

	rev.ProviderID = providerID.String
	rev.ModelID = modelID.String
	rev.CreatedAt = time.Unix(createdAt, 0)

	return &rev, nil
}
