package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowpbx/takeback/internal/logctx"
)

// overflowKey is the shared bucket charged once a limiter holds MaxKeys
// distinct keys.
const overflowKey = "overflow"

// maxPeekBytes bounds how much of a request body KeyByTransaction reads.
const maxPeekBytes = 1 << 20

// Limits configures a keyed token-bucket limiter.
type Limits struct {
	Rate  rate.Limit
	Burst int
	// MaxKeys caps the number of live buckets. Requests arriving with a new
	// key while the cap is reached share the overflow bucket.
	MaxKeys int
	// IdleTTL is how long an unused bucket is kept.
	IdleTTL time.Duration
	// SweepInterval is how often idle buckets are dropped.
	SweepInterval time.Duration
}

// AdminLimits throttles operator routes per client address.
func AdminLimits() Limits {
	return Limits{
		Rate:          rate.Limit(20),
		Burst:         40,
		MaxKeys:       1024,
		IdleTTL:       10 * time.Minute,
		SweepInterval: 5 * time.Minute,
	}
}

// TransactionLimits throttles SMA invocations per call transaction. A
// healthy call produces a handful of events over its lifetime, so a single
// transaction replaying faster than this is looping. All invocations come
// from the platform's egress addresses, which makes per-address keying
// useless here.
func TransactionLimits() Limits {
	return Limits{
		Rate:          rate.Limit(10),
		Burst:         20,
		MaxKeys:       100_000,
		IdleTTL:       2 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// LookupLimits throttles contact flow lookups per client address.
func LookupLimits() Limits {
	return Limits{
		Rate:          rate.Limit(500),
		Burst:         1000,
		MaxKeys:       1024,
		IdleTTL:       10 * time.Minute,
		SweepInterval: 5 * time.Minute,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one token bucket per key.
type Limiter struct {
	name   string
	limits Limits
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLimiter creates a limiter and starts its idle sweeper. name labels
// its log lines.
func NewLimiter(name string, limits Limits) *Limiter {
	l := &Limiter{
		name:    name,
		limits:  limits,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	if limits.SweepInterval > 0 {
		go l.sweepLoop()
	}
	return l
}

// Allow charges one token to key.
func (l *Limiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		if l.limits.MaxKeys > 0 && len(l.buckets) >= l.limits.MaxKeys {
			l.sweepLocked(now)
		}
		if l.limits.MaxKeys > 0 && len(l.buckets) >= l.limits.MaxKeys {
			key = overflowKey
			b = l.buckets[key]
		}
		if b == nil {
			b = &bucket{limiter: rate.NewLimiter(l.limits.Rate, l.limits.Burst)}
			l.buckets[key] = b
		}
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Stop ends the sweeper. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.limits.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			n := l.sweepLocked(l.now())
			remaining := len(l.buckets)
			l.mu.Unlock()
			if n > 0 {
				slog.Debug("rate limiter sweep", "limiter", l.name, "removed", n, "remaining", remaining)
			}
		case <-l.stop:
			return
		}
	}
}

// sweepLocked drops buckets idle for longer than IdleTTL. l.mu must be held.
func (l *Limiter) sweepLocked(now time.Time) int {
	cutoff := now.Add(-l.limits.IdleTTL)
	removed := 0
	for k, b := range l.buckets {
		if !b.lastSeen.After(cutoff) {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

// KeyFunc picks the bucket a request is charged to. An empty key falls
// back to the client address.
type KeyFunc func(r *http.Request) string

// KeyByClientIP charges requests to the client address.
func KeyByClientIP(r *http.Request) string {
	return "ip:" + clientIP(r)
}

// KeyByTransaction charges an SMA invocation to its CallDetails.TransactionId.
// The body is restored for the handler. Bodies without a transaction id
// return "".
func KeyByTransaction(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	peek, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes))
	r.Body = readCloser{io.MultiReader(bytes.NewReader(peek), r.Body), r.Body}
	if err != nil || len(peek) == 0 {
		return ""
	}

	var inv struct {
		CallDetails struct {
			TransactionID string `json:"TransactionId"`
		} `json:"CallDetails"`
	}
	if json.Unmarshal(peek, &inv) != nil || inv.CallDetails.TransactionID == "" {
		return ""
	}
	return "txn:" + inv.CallDetails.TransactionID
}

// readCloser replays the peeked bytes and closes the original body.
type readCloser struct {
	io.Reader
	io.Closer
}

// Throttle returns middleware that charges each request to the bucket
// chosen by key and answers 429 with Retry-After when it is empty.
func Throttle(l *Limiter, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				k = KeyByClientIP(r)
			}

			if !l.Allow(k) {
				logctx.From(r.Context()).Warn("rate limit exceeded",
					"limiter", l.name,
					"key", k,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. chi's RealIP runs first when
// the server sits behind a proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
