// Package monitoring watches the run ledger for failures and stale data and
// notifies a webhook when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/agridata/mandisync/internal/model"
	"github.com/agridata/mandisync/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal     int     `json:"runs_total"`
	RunsSucceeded int     `json:"runs_succeeded"`
	RunsPartial   int     `json:"runs_partial"`
	RunsFailed    int     `json:"runs_failed"`
	RunsRunning   int     `json:"runs_running"`
	FailRate      float64 `json:"fail_rate"`

	// Record metrics (within lookback window).
	RecordsFetched  int     `json:"records_fetched"`
	RecordsUpserted int     `json:"records_upserted"`
	RecordsRejected int     `json:"records_rejected"`
	RejectRate      float64 `json:"reject_rate"`

	// Freshness.
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StaleFor reports how long ago the last successful run finished. The second
// return is false when no run has ever succeeded.
func (s *MetricsSnapshot) StaleFor() (time.Duration, bool) {
	if s.LastSuccessAt == nil {
		return 0, false
	}
	return s.CollectedAt.Sub(*s.LastSuccessAt), true
}

// Collector gathers metrics from the run ledger.
type Collector struct {
	store store.Store
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of pipeline metrics over the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := snap.CollectedAt.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		StartedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusSucceeded:
			snap.RunsSucceeded++
		case model.RunStatusFailedPartial:
			snap.RunsPartial++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		snap.RecordsFetched += r.Counters.Fetched
		snap.RecordsUpserted += r.Counters.Upserted()
		snap.RecordsRejected += r.Counters.Rejected
	}

	finished := snap.RunsSucceeded + snap.RunsPartial + snap.RunsFailed
	if finished > 0 {
		snap.FailRate = float64(snap.RunsFailed+snap.RunsPartial) / float64(finished)
	}
	if snap.RecordsFetched > 0 {
		snap.RejectRate = float64(snap.RecordsRejected) / float64(snap.RecordsFetched)
	}

	last, err := c.store.LastSuccess(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: last success")
	}
	snap.LastSuccessAt = last

	return snap, nil
}
