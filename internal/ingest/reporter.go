package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agridata/mandisync/internal/model"
	"github.com/agridata/mandisync/internal/store"
)

// Reporter persists run ledger entries and emits the end-of-run summary.
// Ledger failures are logged and swallowed so bookkeeping can never take
// down an ingestion that is otherwise making progress.
type Reporter struct {
	store store.Store
	log   *zap.Logger
}

func NewReporter(st store.Store, log *zap.Logger) *Reporter {
	return &Reporter{store: st, log: log.Named("reporter")}
}

// Start opens a ledger entry for a new run.
func (p *Reporter) Start(ctx context.Context, trigger model.Trigger, requested int) *model.IngestionRun {
	run := &model.IngestionRun{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
		Counters:  model.RunCounters{Requested: requested},
	}
	if err := p.store.CreateRun(ctx, run); err != nil {
		p.log.Warn("failed to persist run start", zap.String("run_id", run.ID), zap.Error(err))
	}
	p.log.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("trigger", string(trigger)),
		zap.Int("requested", requested))
	return run
}

// Finish closes the ledger entry. Status follows from the outcome: a clean
// pass succeeds, a failure after some records were written is partial, and a
// failure with nothing written fails outright.
func (p *Reporter) Finish(ctx context.Context, run *model.IngestionRun, runErr error) {
	now := time.Now().UTC()
	run.FinishedAt = &now

	switch {
	case runErr == nil:
		run.Status = model.RunStatusSucceeded
	case run.Counters.Upserted() > 0:
		run.Status = model.RunStatusFailedPartial
		run.Error = runErr.Error()
	default:
		run.Status = model.RunStatusFailed
		run.Error = runErr.Error()
	}

	if err := p.store.CompleteRun(ctx, run); err != nil {
		p.log.Warn("failed to persist run result", zap.String("run_id", run.ID), zap.Error(err))
	}

	fields := make([]zap.Field, 0, 12)
	for k, v := range run.Summary() {
		fields = append(fields, zap.Any(k, v))
	}
	if runErr != nil {
		p.log.Warn("run finished with errors", fields...)
		return
	}
	p.log.Info("run finished", fields...)
}

// StoreRejects records a bounded sample of rejected rows for inspection.
func (p *Reporter) StoreRejects(ctx context.Context, runID string, rejects []store.RejectRow, limit int) {
	if len(rejects) == 0 {
		return
	}
	if limit > 0 && len(rejects) > limit {
		rejects = rejects[:limit]
	}
	if err := p.store.AddRejects(ctx, runID, rejects); err != nil {
		p.log.Warn("failed to persist rejects", zap.String("run_id", runID), zap.Error(err))
	}
}
