// Package pgstore is the PostgreSQL allocation store, for deployments where
// several takeback instances share one allocation table.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/flowpbx/takeback/internal/allocator"
	"github.com/flowpbx/takeback/internal/database/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const pairColumns = `gateway_number, routing_number, in_use, session_id, claimed_at, original_caller`

// Store implements allocator.AdminStore using PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ allocator.AdminStore = (*Store)(nil)

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}
	return nil
}

// QueryAvailable returns a random available pair, or nil if none. Random
// order spreads concurrent claimers across free rows.
func (s *Store) QueryAvailable(ctx context.Context) (*models.Pair, error) {
	return scanOne(s.db.QueryRowContext(ctx,
		`SELECT `+pairColumns+` FROM pairs WHERE in_use = FALSE
		 ORDER BY random() LIMIT 1`))
}

// ConditionalClaim marks the pair in use if it is currently free.
func (s *Store) ConditionalClaim(ctx context.Context, key models.PairKey, claim allocator.Claim) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pairs SET in_use = TRUE, session_id = $1, claimed_at = $2,
		 original_caller = $3, updated_at = NOW()
		 WHERE gateway_number = $4 AND routing_number = $5 AND in_use = FALSE`,
		claim.SessionID, claim.ClaimedAt.UTC(), claim.OriginalCaller,
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
func (s *Store) Release(ctx context.Context, key models.PairKey) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pairs SET in_use = FALSE, updated_at = NOW()
		 WHERE gateway_number = $1 AND routing_number = $2`,
		key.GatewayNumber, key.RoutingNumber,
	)
	if err != nil {
		return fmt.Errorf("releasing pair: %w", err)
	}
	return nil
}

// Get returns a pair by key, or nil if not found.
func (s *Store) Get(ctx context.Context, key models.PairKey) (*models.Pair, error) {
	return scanOne(s.db.QueryRowContext(ctx,
		`SELECT `+pairColumns+` FROM pairs WHERE gateway_number = $1 AND routing_number = $2`,
		key.GatewayNumber, key.RoutingNumber,
	))
}

// Put provisions an available pair, leaving an existing row untouched.
func (s *Store) Put(ctx context.Context, key models.PairKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairs (gateway_number, routing_number) VALUES ($1, $2)
		 ON CONFLICT (gateway_number, routing_number) DO NOTHING`,
		key.GatewayNumber, key.RoutingNumber,
	)
	if err != nil {
		return fmt.Errorf("inserting pair: %w", err)
	}
	return nil
}

// List returns all pairs.
func (s *Store) List(ctx context.Context) ([]models.Pair, error) {
	return s.query(ctx, `SELECT `+pairColumns+` FROM pairs ORDER BY gateway_number, routing_number`)
}

// ListClaimedBefore returns in-use pairs whose claim predates cutoff.
func (s *Store) ListClaimedBefore(ctx context.Context, cutoff time.Time) ([]models.Pair, error) {
	return s.query(ctx,
		`SELECT `+pairColumns+` FROM pairs WHERE in_use = TRUE AND claimed_at < $1
		 ORDER BY claimed_at`, cutoff.UTC())
}

// ReleaseStale releases the pair only if its claim still predates cutoff.
func (s *Store) ReleaseStale(ctx context.Context, key models.PairKey, cutoff time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pairs SET in_use = FALSE, updated_at = NOW()
		 WHERE gateway_number = $1 AND routing_number = $2 AND in_use = TRUE AND claimed_at < $3`,
		key.GatewayNumber, key.RoutingNumber, cutoff.UTC(),
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
func (s *Store) CountByState(ctx context.Context) (available, inUse int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FILTER (WHERE NOT in_use), COUNT(*) FILTER (WHERE in_use) FROM pairs`,
	).Scan(&available, &inUse)
	if err != nil {
		return 0, 0, fmt.Errorf("counting pairs: %w", err)
	}
	return available, inUse, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]models.Pair, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
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

func scanOne(row *sql.Row) (*models.Pair, error) {
	p, err := scanPair(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning pair: %w", err)
	}
	return p, nil
}

func scanPair(s interface{ Scan(...any) error }) (*models.Pair, error) {
	var (
		p         models.Pair
		claimedAt sql.NullTime
	)
	if err := s.Scan(&p.GatewayNumber, &p.RoutingNumber, &p.InUse, &p.SessionID,
		&claimedAt, &p.OriginalCaller); err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		p.ClaimedAt = &t
	}
	return &p, nil
}
