package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder holds the event counters. It satisfies the allocator, sma and
// transfer Recorder interfaces.
type Recorder struct {
	claims       *prometheus.CounterVec
	claimRetries prometheus.Counter
	releases     *prometheus.CounterVec
	smaEvents    *prometheus.CounterVec
	transfers    *prometheus.CounterVec
}

// NewRecorder creates the counters and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "takeback_claims_total",
			Help: "Pair claim attempts by result",
		}, []string{"result"}),
		claimRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "takeback_claim_retries_total",
			Help: "Claims retried after losing a race for a pair",
		}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "takeback_releases_total",
			Help: "Pair releases by result",
		}, []string{"result"}),
		smaEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "takeback_sma_events_total",
			Help: "SIP media application invocations by event type and transition",
		}, []string{"type", "transition"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "takeback_transfers_total",
			Help: "Transfer lookups by result",
		}, []string{"result"}),
	}
	reg.MustRegister(r.claims, r.claimRetries, r.releases, r.smaEvents, r.transfers)
	return r
}

func (r *Recorder) ClaimResult(result string)   { r.claims.WithLabelValues(result).Inc() }
func (r *Recorder) ClaimRetry()                 { r.claimRetries.Inc() }
func (r *Recorder) ReleaseResult(result string) { r.releases.WithLabelValues(result).Inc() }

func (r *Recorder) EventHandled(eventType, transition string) {
	r.smaEvents.WithLabelValues(eventType, transition).Inc()
}

func (r *Recorder) TransferResult(result string) { r.transfers.WithLabelValues(result).Inc() }
