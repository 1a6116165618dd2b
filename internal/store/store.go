// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"

	"github.com/ashureev/insight-chat/internal/domain"
)

var (
	// ErrBlockNotTerminal is returned when saving a block that is still pending or processing.
	ErrBlockNotTerminal = fmt.Errorf("%w: only completed or failed blocks are persisted", errdefs.ErrFailedPrecondition)
	// ErrDuplicateBlock is returned when a block id has already been saved.
	ErrDuplicateBlock = fmt.Errorf("%w: context block already saved", errdefs.ErrAlreadyExists)
)

// Repository defines the interface for persisting users and context blocks.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetRecentBlocks returns up to limit blocks for userID, most recent first.
	GetRecentBlocks(ctx context.Context, userID string, limit int) ([]*domain.ContextBlock, error)

	// SaveBlock persists a terminal block. Blocks are immutable once saved.
	SaveBlock(ctx context.Context, block *domain.ContextBlock) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
