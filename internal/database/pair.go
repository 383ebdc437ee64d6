package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/takeback/internal/allocator"
	"github.com/flowpbx/takeback/internal/database/models"
)

const pairColumns = `gateway_number, routing_number, in_use, session_id, claimed_at, original_caller`

// PairRepository implements allocator.AdminStore on SQLite.
type PairRepository struct {
	db *DB
}

// NewPairRepository creates a PairRepository.
func NewPairRepository(db *DB) *PairRepository {
	return &PairRepository{db: db}
}

var _ allocator.AdminStore = (*PairRepository)(nil)

// QueryAvailable returns a random available pair, or nil if none.
func (r *PairRepository) QueryAvailable(ctx context.Context) (*models.Pair, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+pairColumns+` FROM pairs WHERE in_use = 0 ORDER BY RANDOM() LIMIT 1`))
}

// ConditionalClaim marks the pair in use if it is currently free.
func (r *PairRepository) ConditionalClaim(ctx context.Context, key models.PairKey, claim allocator.Claim) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE pairs SET in_use = 1, session_id = ?, claimed_at = ?, original_caller = ?,
		 updated_at = datetime('now')
		 WHERE gateway_number = ? AND routing_number = ? AND in_use = 0`,
		claim.SessionID, claim.ClaimedAt.Unix(), claim.OriginalCaller,
		key.GatewayNumber, key.RoutingNumber,
	)
	if err != nil {
		return fmt.Errorf("claiming pair: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return allocator.ErrPreconditionFailed
	}
	return nil
}

// Release marks the pair available.
func (r *PairRepository) Release(ctx context.Context, key models.PairKey) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pairs SET in_use = 0, updated_at = datetime('now')
		 WHERE gateway_number = ? AND routing_number = ?`,
		key.GatewayNumber, key.RoutingNumber,
	)
	if err != nil {
		return fmt.Errorf("releasing pair: %w", err)
	}
	return nil
}

// Get returns a pair by key.
func (r *PairRepository) Get(ctx context.Context, key models.PairKey) (*models.Pair, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+pairColumns+` FROM pairs WHERE gateway_number = ? AND routing_number = ?`,
		key.GatewayNumber, key.RoutingNumber,
	))
}

// Put provisions an available pair, leaving an existing row untouched.
func (r *PairRepository) Put(ctx context.Context, key models.PairKey) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pairs (gateway_number, routing_number) VALUES (?, ?)
		 ON CONFLICT (gateway_number, routing_number) DO NOTHING`,
		key.GatewayNumber, key.RoutingNumber,
	)
	if err != nil {
		return fmt.Errorf("inserting pair: %w", err)
	}
	return nil
}

// List returns all pairs.
func (r *PairRepository) List(ctx context.Context) ([]models.Pair, error) {
	return r.query(ctx,
		`SELECT `+pairColumns+` FROM pairs ORDER BY gateway_number, routing_number`)
}

// ListClaimedBefore returns in-use pairs whose claim predates cutoff.
func (r *PairRepository) ListClaimedBefore(ctx context.Context, cutoff time.Time) ([]models.Pair, error) {
	return r.query(ctx,
		`SELECT `+pairColumns+` FROM pairs WHERE in_use = 1 AND claimed_at < ?
		 ORDER BY claimed_at`, cutoff.Unix())
}

// ReleaseStale releases the pair only if its claim still predates cutoff.
func (r *PairRepository) ReleaseStale(ctx context.Context, key models.PairKey, cutoff time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE pairs SET in_use = 0, updated_at = datetime('now')
		 WHERE gateway_number = ? AND routing_number = ? AND in_use = 1 AND claimed_at < ?`,
		key.GatewayNumber, key.RoutingNumber, cutoff.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("releasing stale pair: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// CountByState returns the number of available and in-use pairs.
func (r *PairRepository) CountByState(ctx context.Context) (available, inUse int64, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN in_use = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN in_use = 1 THEN 1 ELSE 0 END), 0)
		 FROM pairs`,
	).Scan(&available, &inUse)
	if err != nil {
		return 0, 0, fmt.Errorf("counting pairs: %w", err)
	}
	return available, inUse, nil
}

func (r *PairRepository) query(ctx context.Context, q string, args ...any) ([]models.Pair, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pairs: %w", err)
	}
	defer rows.Close()

	var pairs []models.Pair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pair row: %w", err)
		}
		pairs = append(pairs, *p)
	}
	return pairs, rows.Err()
}

func (r *PairRepository) scanOne(row *sql.Row) (*models.Pair, error) {
	p, err := scanPair(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning pair: %w", err)
	}
	return p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPair(s scanner) (*models.Pair, error) {
	var (
		p         models.Pair
		claimedAt sql.NullInt64
	)
	if err := s.Scan(&p.GatewayNumber, &p.RoutingNumber, &p.InUse, &p.SessionID,
		&claimedAt, &p.OriginalCaller); err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		t := time.Unix(claimedAt.Int64, 0).UTC()
		p.ClaimedAt = &t
	}
	return &p, nil
}
