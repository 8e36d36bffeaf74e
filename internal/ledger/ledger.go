// Package ledger is the single owner of contractor in-flight job counts.
// All reservation and release goes through a Ledger so two leads can never
// over-fill one contractor.
package ledger

import (
	"context"
	"errors"

	"leaddispatch/internal/model"
)

var (
	// ErrUnknownContractor is returned for contractors never passed to Track.
	ErrUnknownContractor = errors.New("contractor not tracked by ledger")
	// ErrUnderflow means a release was attempted with nothing reserved.
	// The count stays floored at zero but the caller's bookkeeping is broken.
	ErrUnderflow = errors.New("capacity release underflow")
	// ErrCorrupt means stored counts violate 0 <= current.
	ErrCorrupt = errors.New("capacity ledger corrupt")
)

// Ledger is the capacity accounting contract. Implementations must be safe
// for arbitrary concurrent callers.
type Ledger interface {
	// Track registers a contractor. max is always refreshed from the directory;
	// current is only seeded the first time a contractor is seen.
	Track(ctx context.Context, contractorID string, max, current int) error
	// TrackAll is Track for a whole directory snapshot in one round trip and
	// returns the live usage of every contractor it tracked. Per-contractor
	// faults land in failed and do not stop the others; err is reserved for
	// the ledger itself being unreachable.
	TrackAll(ctx context.Context, entries []model.CapacityUsage) (usage map[string]model.CapacityUsage, failed map[string]error, err error)
	// TryReserve increments current if current < max.
	TryReserve(ctx context.Context, contractorID string) (bool, error)
	// Release decrements current, floored at zero.
	Release(ctx context.Context, contractorID string) error
	Usage(ctx context.Context, contractorID string) (model.CapacityUsage, error)
	Snapshot(ctx context.Context) ([]model.CapacityUsage, error)
}
