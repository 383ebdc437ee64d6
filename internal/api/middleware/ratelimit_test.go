package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testLimits(burst, maxKeys int) Limits {
	return Limits{
		Rate:    rate.Limit(0.001),
		Burst:   burst,
		MaxKeys: maxKeys,
		IdleTTL: time.Minute,
	}
}

func smaRequest(body, remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sma/events", strings.NewReader(body))
	req.RemoteAddr = remoteAddr
	return req
}

func TestTransactionsFromOneAddressAreIndependent(t *testing.T) {
	l := NewLimiter("sma", testLimits(2, 100))
	defer l.Stop()

	var seen []string
	handler := Throttle(l, KeyByTransaction)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = append(seen, string(b))
		w.WriteHeader(http.StatusOK)
	}))

	send := func(txn string) int {
		body := `{"InvocationEventType":"RINGING","CallDetails":{"TransactionId":"` + txn + `"}}`
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, smaRequest(body, "10.1.1.1:443"))
		return rec.Code
	}

	// Every call arrives from the same platform address; a looping
	// transaction exhausts only its own bucket.
	for i := 0; i < 2; i++ {
		if code := send("txn-loop"); code != http.StatusOK {
			t.Fatalf("event %d for txn-loop: got %d, want 200", i, code)
		}
	}
	if code := send("txn-loop"); code != http.StatusTooManyRequests {
		t.Fatalf("third event for txn-loop: got %d, want 429", code)
	}
	for _, txn := range []string{"txn-a", "txn-b", "txn-c"} {
		if code := send(txn); code != http.StatusOK {
			t.Fatalf("first event for %s: got %d, want 200", txn, code)
		}
	}

	if len(seen) != 5 {
		t.Fatalf("handler saw %d bodies, want 5", len(seen))
	}
	if !strings.Contains(seen[0], `"TransactionId":"txn-loop"`) {
		t.Fatalf("handler body not restored: %q", seen[0])
	}
}

func TestKeyByTransaction(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"transaction id", `{"CallDetails":{"TransactionId":"abc"}}`, "txn:abc"},
		{"missing id", `{"CallDetails":{}}`, ""},
		{"not json", `not json`, ""},
		{"empty", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := smaRequest(tt.body, "10.1.1.1:443")
			if got := KeyByTransaction(req); got != tt.want {
				t.Fatalf("KeyByTransaction = %q, want %q", got, tt.want)
			}
			rest, err := io.ReadAll(req.Body)
			if err != nil {
				t.Fatalf("reading restored body: %v", err)
			}
			if string(rest) != tt.body {
				t.Fatalf("restored body = %q, want %q", rest, tt.body)
			}
		})
	}
}

func TestMalformedEventsFallBackToClientAddress(t *testing.T) {
	l := NewLimiter("sma", testLimits(1, 100))
	defer l.Stop()

	handler := Throttle(l, KeyByTransaction)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, smaRequest(`{}`, "10.9.9.9:5060"))
		if rec.Code != want {
			t.Fatalf("request %d: got %d, want %d", i, rec.Code, want)
		}
		if want == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "1" {
			t.Fatalf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, smaRequest(`{}`, "10.9.9.10:5060"))
	if rec.Code != http.StatusOK {
		t.Fatalf("other address: got %d, want 200", rec.Code)
	}
}

func TestLimiterCapsKeys(t *testing.T) {
	l := NewLimiter("sma", testLimits(1, 2))
	defer l.Stop()

	if !l.Allow("txn:1") || !l.Allow("txn:2") {
		t.Fatal("first two keys should be allowed")
	}
	// New keys beyond the cap share the overflow bucket.
	if !l.Allow("txn:3") {
		t.Fatal("first overflow request should be allowed")
	}
	if l.Allow("txn:4") {
		t.Fatal("second overflow request should share the drained overflow bucket")
	}
	if got := l.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3 (two keys plus overflow)", got)
	}
}

func TestLimiterSweepsIdleBuckets(t *testing.T) {
	l := NewLimiter("admin", testLimits(1, 2))
	defer l.Stop()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("ip:10.0.0.1")
	l.Allow("ip:10.0.0.2")

	// Once both buckets have idled out, a new key gets its own bucket
	// instead of the overflow one.
	now = now.Add(2 * time.Minute)
	if !l.Allow("ip:10.0.0.3") {
		t.Fatal("new key after sweep should be allowed")
	}
	if got := l.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1 after sweeping idle buckets", got)
	}
}

func TestAdminThrottledPerAddress(t *testing.T) {
	l := NewLimiter("admin", testLimits(1, 100))
	defer l.Stop()

	handler := Throttle(l, KeyByClientIP)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	get := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/pairs", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := get("192.168.1.1:4000"); code != http.StatusOK {
		t.Fatalf("first request: got %d", code)
	}
	// Same address, different port.
	if code := get("192.168.1.1:4001"); code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", code)
	}
	if code := get("192.168.1.2:4000"); code != http.StatusOK {
		t.Fatalf("other address: got %d", code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := clientIP(r); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}

func TestTransactionLimitsTighterThanLookup(t *testing.T) {
	txn, lookup := TransactionLimits(), LookupLimits()
	if txn.Rate >= lookup.Rate || txn.Burst >= lookup.Burst {
		t.Fatalf("per-transaction limits %v/%d should be below per-address lookup limits %v/%d",
			txn.Rate, txn.Burst, lookup.Rate, lookup.Burst)
	}
}
