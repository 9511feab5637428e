// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/inkwell-labs/inkd/internal/domain"
)

// Repository defines the interface for persisting authored revisions.
type Repository interface {
	// SaveRevision inserts a revision record.
	SaveRevision(ctx context.Context, rev *domain.Revision) error

	// ListRevisions retrieves revisions for an entity, newest first. An
	// empty kind matches every kind; limit <= 0 applies a default.
	ListRevisions(ctx context.Context, entityID string, kind string, limit int) ([]*domain.Revision, error)

	// LatestRevision retrieves the newest revision for an entity and kind,
	// or nil when none exists.
	LatestRevision(ctx context.Context, entityID string, kind string) (*domain.Revision, error)

	// PruneRevisions keeps the newest keep revisions for an entity and kind
	// and deletes the rest, returning how many were removed.
	PruneRevisions(ctx context.Context, entityID string, kind string, keep int) (int64, error)

	// DeleteRevisions removes every revision for an entity.
	DeleteRevisions(ctx context.Context, entityID string) (int64, error)

	// CleanupRevisions removes revisions older than maxAge.
	CleanupRevisions(ctx context.Context, maxAge time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
