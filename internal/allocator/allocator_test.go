package allocator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/takeback/internal/allocator"
	"github.com/flowpbx/takeback/internal/database"
	"github.com/flowpbx/takeback/internal/database/models"
)

func newSQLiteStore(t *testing.T) *database.PairRepository {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return database.NewPairRepository(db)
}

func seedNumbers(t *testing.T, store allocator.PairWriter, gateways, routings int) {
	t.Helper()
	var gw, rt []string
	for i := 0; i < gateways; i++ {
		gw = append(gw, fmt.Sprintf("+1555100%04d", i))
	}
	for i := 0; i < routings; i++ {
		rt = append(rt, fmt.Sprintf("+1555200%04d", i))
	}
	if _, err := allocator.Seed(context.Background(), store, gw, rt); err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
}

type countingRecorder struct {
	mu       sync.Mutex
	claims   map[string]int
	retries  int
	releases map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{claims: map[string]int{}, releases: map[string]int{}}
}

func (r *countingRecorder) ClaimResult(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims[result]++
}

func (r *countingRecorder) ClaimRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *countingRecorder) ReleaseResult(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases[result]++
}

func TestClaimReleaseRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	seedNumbers(t, store, 1, 1)
	ctx := context.Background()

	claimedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a := allocator.New(store, allocator.WithClock(func() time.Time { return claimedAt }))

	key, err := a.Claim(ctx, "txn-1", "+15550001111")
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}

	p, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !p.InUse || p.SessionID != "txn-1" || p.OriginalCaller != "+15550001111" {
		t.Errorf("claimed pair = %+v", p)
	}
	if p.ClaimedAt == nil || !p.ClaimedAt.Equal(claimedAt) {
		t.Errorf("claimed_at = %v, want %v", p.ClaimedAt, claimedAt)
	}

	if _, err := a.Claim(ctx, "txn-2", "+15550002222"); !errors.Is(err, allocator.ErrNoCapacity) {
		t.Fatalf("second Claim() error = %v, want ErrNoCapacity", err)
	}

	if err := a.Release(ctx, key); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	p, _ = store.Get(ctx, key)
	if p.InUse {
		t.Error("pair still in use after release")
	}
	if p.SessionID != "txn-1" {
		t.Errorf("session id cleared on release: %q", p.SessionID)
	}

	key2, err := a.Claim(ctx, "txn-3", "+15550003333")
	if err != nil {
		t.Fatalf("Claim() after release error: %v", err)
	}
	if key2 != key {
		t.Errorf("claimed %v, want %v", key2, key)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	store := newSQLiteStore(t)
	seedNumbers(t, store, 1, 1)
	ctx := context.Background()
	rec := newCountingRecorder()
	a := allocator.New(store, allocator.WithRecorder(rec))

	key := models.PairKey{GatewayNumber: "+15551000000", RoutingNumber: "+15552000000"}
	for i := 0; i < 2; i++ {
		if err := a.Release(ctx, key); err != nil {
			t.Fatalf("Release() #%d error: %v", i+1, err)
		}
	}
	unknown := models.PairKey{GatewayNumber: "+19999999999", RoutingNumber: "+18888888888"}
	if err := a.Release(ctx, unknown); err != nil {
		t.Fatalf("Release() of unknown pair error: %v", err)
	}
	if rec.releases["released"] != 3 {
		t.Errorf("released count = %d, want 3", rec.releases["released"])
	}

	available, inUse, err := store.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState() error: %v", err)
	}
	if available != 1 || inUse != 0 {
		t.Errorf("counts = %d available, %d in use; want 1, 0", available, inUse)
	}
}

func TestConcurrentClaimsNeverShareAPair(t *testing.T) {
	const pairs = 6
	store := newSQLiteStore(t)
	seedNumbers(t, store, 2, 3)
	rec := newCountingRecorder()
	a := allocator.New(store, allocator.WithRecorder(rec))

	const callers = pairs * 3
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		owners   = map[models.PairKey]string{}
		noCap    int
		otherErr []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := fmt.Sprintf("txn-%d", i)
			key, err := a.Claim(context.Background(), session, "+15550000000")

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				if prev, ok := owners[key]; ok {
					otherErr = append(otherErr, fmt.Errorf("pair %v claimed by %s and %s", key, prev, session))
				}
				owners[key] = session
			case errors.Is(err, allocator.ErrNoCapacity):
				noCap++
			default:
				otherErr = append(otherErr, err)
			}
		}(i)
	}
	wg.Wait()

	for _, err := range otherErr {
		t.Error(err)
	}
	if len(owners) != pairs {
		t.Errorf("successful claims = %d, want %d", len(owners), pairs)
	}
	if noCap != callers-pairs {
		t.Errorf("no capacity = %d, want %d", noCap, callers-pairs)
	}

	ctx := context.Background()
	for key, session := range owners {
		p, err := store.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if p.SessionID != session {
			t.Errorf("pair %v session = %q, want %q", key, p.SessionID, session)
		}
	}
	if rec.claims["claimed"] != pairs {
		t.Errorf("claimed metric = %d, want %d", rec.claims["claimed"], pairs)
	}
}

// scriptedStore replays a fixed sequence of query and claim outcomes.
type scriptedStore struct {
	mu      sync.Mutex
	queries []queryResult
	claims  []error
	claimed []models.PairKey
}

type queryResult struct {
	pair *models.Pair
	err  error
}

func (s *scriptedStore) QueryAvailable(context.Context) (*models.Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queries) == 0 {
		return nil, nil
	}
	q := s.queries[0]
	s.queries = s.queries[1:]
	return q.pair, q.err
}

func (s *scriptedStore) ConditionalClaim(_ context.Context, key models.PairKey, _ allocator.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed = append(s.claimed, key)
	if len(s.claims) == 0 {
		return nil
	}
	err := s.claims[0]
	s.claims = s.claims[1:]
	return err
}

func (s *scriptedStore) Release(context.Context, models.PairKey) error { return nil }

func (s *scriptedStore) Get(context.Context, models.PairKey) (*models.Pair, error) { return nil, nil }

func pair(g, r string) *models.Pair {
	return &models.Pair{GatewayNumber: g, RoutingNumber: r}
}

func TestClaimRetriesOnPreconditionFailure(t *testing.T) {
	store := &scriptedStore{
		queries: []queryResult{
			{pair: pair("+1", "+2")},
			{pair: pair("+1", "+3")},
			{pair: pair("+1", "+4")},
		},
		claims: []error{allocator.ErrPreconditionFailed, allocator.ErrPreconditionFailed, nil},
	}
	rec := newCountingRecorder()
	a := allocator.New(store, allocator.WithRecorder(rec))

	key, err := a.Claim(context.Background(), "txn", "+15550000000")
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if key.RoutingNumber != "+4" {
		t.Errorf("claimed %v, want routing +4", key)
	}
	if len(store.claimed) != 3 {
		t.Errorf("conditional claims = %d, want 3", len(store.claimed))
	}
	if rec.retries != 2 {
		t.Errorf("retries = %d, want 2", rec.retries)
	}
}

func TestClaimPreconditionThenNoCapacity(t *testing.T) {
	store := &scriptedStore{
		queries: []queryResult{{pair: pair("+1", "+2")}},
		claims:  []error{allocator.ErrPreconditionFailed},
	}
	a := allocator.New(store)

	if _, err := a.Claim(context.Background(), "txn", ""); !errors.Is(err, allocator.ErrNoCapacity) {
		t.Fatalf("Claim() error = %v, want ErrNoCapacity", err)
	}
}

func TestClaimStoreUnavailableIsBounded(t *testing.T) {
	ioErr := errors.New("connection reset")
	store := &scriptedStore{}
	for i := 0; i < 10; i++ {
		store.queries = append(store.queries, queryResult{err: ioErr})
	}
	rec := newCountingRecorder()
	a := allocator.New(store,
		allocator.WithRecorder(rec),
		allocator.WithMaxStoreAttempts(3),
		allocator.WithStoreBackoff(0),
	)

	_, err := a.Claim(context.Background(), "txn", "")
	if !errors.Is(err, allocator.ErrStoreUnavailable) {
		t.Fatalf("Claim() error = %v, want ErrStoreUnavailable", err)
	}
	if !errors.Is(err, ioErr) {
		t.Errorf("Claim() error = %v, want it to wrap the store error", err)
	}
	if remaining := len(store.queries); remaining != 7 {
		t.Errorf("queries made = %d, want 3", 10-remaining)
	}
	if rec.claims["error"] != 1 {
		t.Errorf("error metric = %d, want 1", rec.claims["error"])
	}
}

func TestClaimRecoversFromTransientStoreFailure(t *testing.T) {
	store := &scriptedStore{
		queries: []queryResult{
			{err: errors.New("throttled")},
			{pair: pair("+1", "+2")},
			{pair: pair("+1", "+3")},
		},
		claims: []error{errors.New("timeout"), nil},
	}
	a := allocator.New(store, allocator.WithStoreBackoff(0))

	key, err := a.Claim(context.Background(), "txn", "")
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if key.RoutingNumber != "+3" {
		t.Errorf("claimed %v, want routing +3", key)
	}
}

func TestClaimStopsBackoffOnCancel(t *testing.T) {
	store := &scriptedStore{queries: []queryResult{{err: errors.New("down")}}}
	a := allocator.New(store, allocator.WithStoreBackoff(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Claim(ctx, "txn", "")
	if !errors.Is(err, allocator.ErrStoreUnavailable) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Claim() error = %v, want store unavailable wrapping context.Canceled", err)
	}
}

func TestSeed(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	n, err := allocator.Seed(ctx, store, []string{"+15551000001", " +15551000002 ", "+15551000001"}, []string{"+15552000001", ""})
	if err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
	if n != 2 {
		t.Errorf("seeded = %d, want 2", n)
	}

	a := allocator.New(store)
	key, err := a.Claim(ctx, "txn", "")
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}

	// Reseeding leaves the claimed pair in use.
	if _, err := allocator.Seed(ctx, store, []string{"+15551000001", "+15551000002"}, []string{"+15552000001"}); err != nil {
		t.Fatalf("reseed error: %v", err)
	}
	p, _ := store.Get(ctx, key)
	if !p.InUse {
		t.Error("reseed released a claimed pair")
	}

	if _, err := allocator.Seed(ctx, store, nil, []string{"+15552000001"}); !errors.Is(err, allocator.ErrNoNumbers) {
		t.Errorf("Seed() with no gateways error = %v, want ErrNoNumbers", err)
	}
}
