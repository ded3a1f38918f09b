package model

import "time"

// RunStatus represents the terminal (or in-flight) state of an ingestion run.
type RunStatus string

const (
	RunStatusRunning       RunStatus = "running"
	RunStatusSucceeded     RunStatus = "succeeded"
	RunStatusFailedPartial RunStatus = "failed_partial"
	RunStatusFailed        RunStatus = "failed"
)

// Trigger describes what started a run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerBackfill  Trigger = "backfill"
)

// RunCounters accumulates per-record outcomes across all pages of a run.
type RunCounters struct {
	Requested  int `json:"requested"`
	Fetched    int `json:"fetched"`
	Normalized int `json:"normalized"`
	Inserted   int `json:"inserted"`
	Updated    int `json:"updated"`
	Rejected   int `json:"rejected"`
	Pages      int `json:"pages"`
}

// Upserted returns the total number of records written.
func (c RunCounters) Upserted() int {
	return c.Inserted + c.Updated
}

// Add merges page-level counters into the run totals.
func (c *RunCounters) Add(other RunCounters) {
	c.Requested += other.Requested
	c.Fetched += other.Fetched
	c.Normalized += other.Normalized
	c.Inserted += other.Inserted
	c.Updated += other.Updated
	c.Rejected += other.Rejected
	c.Pages += other.Pages
}

// IngestionRun is the ledger entry for one scheduler invocation.
type IngestionRun struct {
	ID         string      `json:"id"`
	Trigger    Trigger     `json:"trigger"`
	Status     RunStatus   `json:"status"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Counters   RunCounters `json:"counters"`
	Error      string      `json:"error,omitempty"`
}

// Duration returns the run's wall-clock duration, zero while still running.
func (r IngestionRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary returns a flat key-value view of the run for structured log and
// metrics emission.
func (r IngestionRun) Summary() map[string]any {
	s := map[string]any{
		"run_id":     r.ID,
		"trigger":    string(r.Trigger),
		"status":     string(r.Status),
		"requested":  r.Counters.Requested,
		"fetched":    r.Counters.Fetched,
		"normalized": r.Counters.Normalized,
		"inserted":   r.Counters.Inserted,
		"updated":    r.Counters.Updated,
		"rejected":   r.Counters.Rejected,
		"pages":      r.Counters.Pages,
		"duration_s": r.Duration().Seconds(),
	}
	if r.Error != "" {
		s["error"] = r.Error
	}
	return s
}
