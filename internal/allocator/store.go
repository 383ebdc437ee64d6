package allocator

import (
	"context"
	"errors"
	"time"

	"github.com/flowpbx/takeback/internal/database/models"
)

// ErrNoCapacity is returned by Claim when no pair is available.
var ErrNoCapacity = errors.New("no available number pair")

// ErrPreconditionFailed is returned by Store.ConditionalClaim when the pair
// was claimed by someone else between the query and the update.
var ErrPreconditionFailed = errors.New("pair precondition failed")

// ErrStoreUnavailable wraps I/O failures against the allocation store.
var ErrStoreUnavailable = errors.New("allocation store unavailable")

// Claim holds the fields written to a pair when it is claimed.
type Claim struct {
	SessionID      string
	OriginalCaller string
	ClaimedAt      time.Time
}

// Store is the allocation table as seen by the allocator.
type Store interface {
	// QueryAvailable returns any one pair with in_use false, or nil, nil if
	// there is none. No ordering is implied.
	QueryAvailable(ctx context.Context) (*models.Pair, error)

	// ConditionalClaim marks the pair in use and records the claim, but only
	// if in_use is currently absent or false. It returns
	// ErrPreconditionFailed when that condition does not hold.
	ConditionalClaim(ctx context.Context, key models.PairKey, claim Claim) error

	// Release sets in_use to false unconditionally. Releasing a free or
	// unknown pair is not an error.
	Release(ctx context.Context, key models.PairKey) error

	// Get returns the pair with the given key, or nil, nil if not found.
	Get(ctx context.Context, key models.PairKey) (*models.Pair, error)
}

// LeaseStore is the part of the allocation table used by the Reaper.
type LeaseStore interface {
	// ListClaimedBefore returns in-use pairs claimed before cutoff.
	ListClaimedBefore(ctx context.Context, cutoff time.Time) ([]models.Pair, error)

	// ReleaseStale releases the pair only if it is still in use and its
	// claim is older than cutoff. It reports whether the pair was released.
	ReleaseStale(ctx context.Context, key models.PairKey, cutoff time.Time) (bool, error)
}

// AdminStore is the full allocation table, including provisioning.
type AdminStore interface {
	Store
	LeaseStore

	// Put provisions a pair as available. An existing pair is left as is.
	Put(ctx context.Context, key models.PairKey) error

	// List returns every pair ordered by gateway then routing number.
	List(ctx context.Context) ([]models.Pair, error)
}

// Recorder receives allocator outcomes for metrics. Results are
// "claimed", "no_capacity", "error" for claims and "released", "error"
// for releases.
type Recorder interface {
	ClaimResult(result string)
	ClaimRetry()
	ReleaseResult(result string)
}

type nopRecorder struct{}

func (nopRecorder) ClaimResult(string)   {}
func (nopRecorder) ClaimRetry()          {}
func (nopRecorder) ReleaseResult(string) {}
