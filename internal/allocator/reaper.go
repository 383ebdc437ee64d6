package allocator

import (
	"context"
	"log/slog"
	"time"
)

// Reaper releases pairs whose claim has outlived a lease. It exists for
// calls that ended without a HANGUP ever reaching the router; it does not
// change the claim/release contract, it only performs a conditional
// release that loses to any newer claim.
type Reaper struct {
	store  LeaseStore
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewReaper creates a Reaper that treats claims older than ttl as stale.
func NewReaper(store LeaseStore, ttl time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("subsystem", "lease_reaper"),
	}
}

// ReapOnce releases every pair claimed before now minus the ttl and returns
// how many were released.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.ttl)

	stale, err := r.store.ListClaimedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, p := range stale {
		ok, err := r.store.ReleaseStale(ctx, p.Key(), cutoff)
		if err != nil {
			r.logger.Error("failed to release stale pair",
				"gateway_number", p.GatewayNumber,
				"routing_number", p.RoutingNumber,
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}
		released++
		r.logger.Warn("released stale pair",
			"gateway_number", p.GatewayNumber,
			"routing_number", p.RoutingNumber,
			"session_id", p.SessionID,
			"claimed_at", p.ClaimedAt,
		)
	}
	return released, nil
}

// Start runs ReapOnce every interval until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := r.ReapOnce(ctx)
				if err != nil {
					r.logger.Error("lease reap failed", "error", err)
					continue
				}
				if n > 0 {
					r.logger.Info("lease reap complete", "released", n)
				}
			}
		}
	}()
}
