package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PairCounter returns pair counts grouped by availability.
type PairCounter interface {
	CountByState(ctx context.Context) (available, inUse int64, err error)
}

// Collector is a prometheus.Collector that reads pair occupancy from the
// allocation store at scrape time.
type Collector struct {
	pairs     PairCounter
	startTime time.Time

	pairsDesc  *prometheus.Desc
	uptimeDesc *prometheus.Desc
}

// NewCollector creates a new metrics collector. pairs may be nil.
func NewCollector(pairs PairCounter, startTime time.Time) *Collector {
	return &Collector{
		pairs:     pairs,
		startTime: startTime,

		pairsDesc: prometheus.NewDesc(
			"takeback_pairs",
			"Number of number pairs by state",
			[]string{"state"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"takeback_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pairsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.pairs != nil {
		available, inUse, err := c.pairs.CountByState(ctx)
		if err != nil {
			slog.Error("metrics: failed to count pairs", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(c.pairsDesc, prometheus.GaugeValue, float64(available), "available")
			ch <- prometheus.MustNewConstMetric(c.pairsDesc, prometheus.GaugeValue, float64(inUse), "in_use")
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
