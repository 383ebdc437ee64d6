// Package allocator claims and releases number pairs in the shared
// allocation table. Ownership is enforced by a compare-and-swap on the
// pair's in_use flag; contention is resolved by re-querying and retrying,
// never by locking.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowpbx/takeback/internal/database/models"
	"github.com/flowpbx/takeback/internal/logctx"
)

// Default bounds for store I/O failures during a claim. Precondition
// failures are not counted against this.
const (
	defaultMaxStoreAttempts = 5
	defaultStoreBackoff     = 50 * time.Millisecond
)

// Allocator hands out number pairs to inbound calls.
type Allocator struct {
	store            Store
	recorder         Recorder
	now              func() time.Time
	maxStoreAttempts int
	storeBackoff     time.Duration
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(a *Allocator) {
		if r != nil {
			a.recorder = r
		}
	}
}

// WithMaxStoreAttempts bounds how many store I/O failures a single claim
// tolerates before giving up with ErrStoreUnavailable.
func WithMaxStoreAttempts(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.maxStoreAttempts = n
		}
	}
}

// WithStoreBackoff sets the pause between store I/O retries.
func WithStoreBackoff(d time.Duration) Option {
	return func(a *Allocator) { a.storeBackoff = d }
}

// WithClock overrides the time source used for claimed_at.
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

// New creates an Allocator over store.
func New(store Store, opts ...Option) *Allocator {
	a := &Allocator{
		store:            store,
		recorder:         nopRecorder{},
		now:              time.Now,
		maxStoreAttempts: defaultMaxStoreAttempts,
		storeBackoff:     defaultStoreBackoff,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Claim takes exclusive ownership of one available pair for sessionID.
//
// Each cycle queries for any available pair and tries to claim it
// conditionally. Losing the race to another allocator starts a new cycle
// against a fresh candidate. The loop ends when a claim succeeds, when a
// query finds nothing (ErrNoCapacity), or when store failures exceed the
// configured bound (ErrStoreUnavailable).
func (a *Allocator) Claim(ctx context.Context, sessionID, caller string) (models.PairKey, error) {
	logger := logctx.From(ctx)
	storeFailures := 0

	for {
		candidate, err := a.store.QueryAvailable(ctx)
		if err != nil {
			if retryErr := a.storeFailed(ctx, &storeFailures, "query", err); retryErr != nil {
				return models.PairKey{}, retryErr
			}
			continue
		}
		if candidate == nil {
			a.recorder.ClaimResult("no_capacity")
			logger.Warn("no available number pair")
			return models.PairKey{}, ErrNoCapacity
		}

		key := candidate.Key()
		err = a.store.ConditionalClaim(ctx, key, Claim{
			SessionID:      sessionID,
			OriginalCaller: caller,
			ClaimedAt:      a.now(),
		})
		switch {
		case err == nil:
			a.recorder.ClaimResult("claimed")
			logger.Info("number pair claimed",
				slog.String("gateway_number", key.GatewayNumber),
				slog.String("routing_number", key.RoutingNumber),
			)
			return key, nil
		case errors.Is(err, ErrPreconditionFailed):
			a.recorder.ClaimRetry()
			logger.Debug("number pair claimed concurrently, retrying",
				slog.String("gateway_number", key.GatewayNumber),
				slog.String("routing_number", key.RoutingNumber),
			)
		default:
			if retryErr := a.storeFailed(ctx, &storeFailures, "conditional update", err); retryErr != nil {
				return models.PairKey{}, retryErr
			}
		}
	}
}

// storeFailed counts a store I/O failure and either waits before the next
// attempt or returns the terminal error.
func (a *Allocator) storeFailed(ctx context.Context, failures *int, op string, err error) error {
	*failures++
	logger := logctx.From(ctx)
	if *failures >= a.maxStoreAttempts {
		a.recorder.ClaimResult("error")
		logger.Error("allocation store failed, giving up",
			slog.String("op", op),
			slog.Int("attempts", *failures),
			slog.Any("error", err),
		)
		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
	}
	logger.Warn("allocation store failed, retrying",
		slog.String("op", op),
		slog.Int("attempt", *failures),
		slog.Any("error", err),
	)

	if a.storeBackoff <= 0 {
		return nil
	}
	t := time.NewTimer(a.storeBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		a.recorder.ClaimResult("error")
		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, ctx.Err())
	case <-t.C:
		return nil
	}
}

// Release returns the pair to the available pool. It is idempotent. A store
// failure is logged and returned wrapped in ErrStoreUnavailable; callers
// treat it as best-effort and carry on.
func (a *Allocator) Release(ctx context.Context, key models.PairKey) error {
	logger := logctx.From(ctx).With(
		slog.String("gateway_number", key.GatewayNumber),
		slog.String("routing_number", key.RoutingNumber),
	)

	if err := a.store.Release(ctx, key); err != nil {
		a.recorder.ReleaseResult("error")
		logger.Error("failed to release number pair", slog.Any("error", err))
		return fmt.Errorf("%w: release: %w", ErrStoreUnavailable, err)
	}

	a.recorder.ReleaseResult("released")
	logger.Info("number pair released")
	return nil
}
