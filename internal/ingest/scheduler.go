package ingest

import (
	"context"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/agridata/mandisync/internal/config"
	"github.com/agridata/mandisync/internal/model"
)

// Ingester runs one ingestion pass. Satisfied by *Runner.
type Ingester interface {
	Run(ctx context.Context, trigger model.Trigger, limit int) (*model.IngestionRun, error)
}

// Scheduler fires ingestion on a cron cadence and accepts manual triggers.
// At most one run is active at a time; triggers that arrive while a run is
// in flight are coalesced into a no-op.
type Scheduler struct {
	runner    Ingester
	cfg       config.ScheduleConfig
	cron      *cron.Cron
	log       *zap.Logger
	active    atomic.Bool
	coalesced atomic.Int64
}

func NewScheduler(runner Ingester, cfg config.ScheduleConfig, log *zap.Logger) *Scheduler {
	return &Scheduler{
		runner: runner,
		cfg:    cfg,
		log:    log.Named("scheduler"),
	}
}

// Start registers the cron entry and begins firing scheduled runs. The ctx
// is the lifetime context passed to each run.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("schedule disabled")
		return nil
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.Cron, func() {
		s.Trigger(ctx, model.TriggerScheduled, 0)
	})
	if err != nil {
		return eris.Wrapf(err, "scheduler: parse cron %q", s.cfg.Cron)
	}

	s.cron.Start()
	s.log.Info("schedule started", zap.String("cron", s.cfg.Cron))
	return nil
}

// Stop halts the cron loop. An in-flight run keeps going until its own
// context is cancelled.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Trigger starts a run unless one is already active, in which case the
// trigger is coalesced and dropped. Returns the run and whether it started.
func (s *Scheduler) Trigger(ctx context.Context, trigger model.Trigger, limit int) (*model.IngestionRun, bool) {
	if !s.claim(trigger) {
		return nil, false
	}
	return s.run(ctx, trigger, limit), true
}

// TriggerAsync starts a run in the background. The single-run token is
// claimed before returning, so a true answer means the run really started.
func (s *Scheduler) TriggerAsync(ctx context.Context, trigger model.Trigger, limit int) bool {
	if !s.claim(trigger) {
		return false
	}
	go s.run(ctx, trigger, limit)
	return true
}

// claim takes the single-run token, coalescing the trigger when it is held.
func (s *Scheduler) claim(trigger model.Trigger) bool {
	if !s.active.CompareAndSwap(false, true) {
		s.coalesced.Add(1)
		s.log.Info("run already active, trigger coalesced",
			zap.String("trigger", string(trigger)))
		return false
	}
	return true
}

// run executes one pass and releases the token. Callers must hold the token.
func (s *Scheduler) run(ctx context.Context, trigger model.Trigger, limit int) *model.IngestionRun {
	defer s.active.Store(false)

	run, err := s.runner.Run(ctx, trigger, limit)
	if err != nil {
		// Already reported by the runner; the scheduler only makes sure
		// a bad run cannot escape and crash the process.
		s.log.Warn("run ended with error", zap.Error(err))
	}
	return run
}

// Busy reports whether a run is currently in flight.
func (s *Scheduler) Busy() bool {
	return s.active.Load()
}

// Coalesced returns how many triggers were dropped due to an active run.
func (s *Scheduler) Coalesced() int64 {
	return s.coalesced.Load()
}
