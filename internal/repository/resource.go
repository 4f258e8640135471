// Package repository defines the persistence boundary of the collection
// engine. Implementations must provide atomic read-modify-write per
// resource id.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"formapilot/collecte/internal/collect"
)

// MutateFunc applies a change to a loaded aggregate and returns the keys
// whose entries were written, so the implementation persists exactly those.
type MutateFunc func(r *collect.Resource) (changed []collect.EntryKey, err error)

// ResourceRepository persists resources and their entries. Entries are
// append/merge only; nothing is ever deleted through this interface.
type ResourceRepository interface {
	// Create stores a freshly opened resource with its frozen required set.
	Create(ctx context.Context, r *collect.Resource) error
	// GetByToken loads the aggregate addressed by an access token. The token
	// lookup must go through a keyed index, never a scan.
	GetByToken(ctx context.Context, token string) (*collect.Resource, error)
	// GetByID loads the aggregate by resource id.
	GetByID(ctx context.Context, id uuid.UUID) (*collect.Resource, error)
	// Mutate loads the aggregate under a row lock, applies fn and persists
	// the changed entries plus the resource header in one transaction.
	Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*collect.Resource, error)
	// MarkExpired flips overdue, not yet complete resources to expired and
	// returns how many rows changed.
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
}
