// Package store persists canonical price records and the ingestion run
// ledger, with Postgres and SQLite backends behind a common interface.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/agridata/mandisync/internal/config"
	"github.com/agridata/mandisync/internal/model"
)

// MaxBatchSize bounds the number of records written per storage round trip.
// Larger inputs are chunked by the backends.
const MaxBatchSize = 500

// UpsertResult reports the outcome of an upsert batch. Failed counts records
// that could not be written after one retry; callers fold those into the
// run's rejected counter.
type UpsertResult struct {
	Inserted int
	Updated  int
	Failed   int
}

// Add merges another result into this one.
func (r *UpsertResult) Add(other UpsertResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Failed += other.Failed
}

// RejectRow is a malformed source record kept for later inspection.
type RejectRow struct {
	Reason string          `json:"reason"`
	Field  string          `json:"field,omitempty"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

// RunFilter specifies criteria for listing ingestion runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	Trigger      model.Trigger   `json:"trigger,omitempty"`
	StartedAfter time.Time       `json:"started_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the ingestion pipeline.
type Store interface {
	// Prices
	UpsertPrices(ctx context.Context, records []model.PriceRecord) (UpsertResult, error)

	// Run ledger
	CreateRun(ctx context.Context, run *model.IngestionRun) error
	CompleteRun(ctx context.Context, run *model.IngestionRun) error
	GetRun(ctx context.Context, runID string) (*model.IngestionRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.IngestionRun, error)
	LastSuccess(ctx context.Context) (*time.Time, error)
	AddRejects(ctx context.Context, runID string, rejects []RejectRow) error

	// Lifecycle
	Migrate(ctx context.Context) error
	EnsureIndexes(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open creates a Store for the configured driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres", "":
		return NewPostgres(ctx, cfg.DatabaseURL)
	case "sqlite":
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// chunk splits records into slices of at most MaxBatchSize.
func chunk(records []model.PriceRecord) [][]model.PriceRecord {
	if len(records) == 0 {
		return nil
	}
	var out [][]model.PriceRecord
	for start := 0; start < len(records); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(records) {
			end = len(records)
		}
		out = append(out, records[start:end])
	}
	return out
}
