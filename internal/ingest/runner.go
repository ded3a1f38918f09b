// Package ingest drives the fetch, normalize, upsert pipeline and its
// scheduling. A run walks the upstream feed page by page; malformed rows are
// rejected individually and a mid-run failure keeps everything already
// committed.
package ingest

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agridata/mandisync/internal/config"
	"github.com/agridata/mandisync/internal/model"
	"github.com/agridata/mandisync/internal/normalize"
	"github.com/agridata/mandisync/internal/source"
	"github.com/agridata/mandisync/internal/store"
)

// Runner executes one ingestion pass over a page source.
type Runner struct {
	src       source.PageSource
	norm      *normalize.Normalizer
	store     store.Store
	reporter  *Reporter
	cfg       config.IngestConfig
	pageSize  int
	batchSize int
	log       *zap.Logger
}

// NewRunner wires a pipeline over the given source and store.
func NewRunner(src source.PageSource, st store.Store, cfg config.Config, log *zap.Logger) *Runner {
	pageSize := cfg.Source.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	batchSize := cfg.Ingest.BatchSize
	if batchSize <= 0 || batchSize > store.MaxBatchSize {
		batchSize = store.MaxBatchSize
	}
	return &Runner{
		src:       src,
		norm:      normalize.New(),
		store:     st,
		reporter:  NewReporter(st, log),
		cfg:       cfg.Ingest,
		pageSize:  pageSize,
		batchSize: batchSize,
		log:       log.Named("ingest"),
	}
}

// Run performs a full ingestion pass and returns the closed ledger entry.
// The returned error reflects the pipeline outcome; the run itself is always
// reported, so callers may ignore the error and inspect run.Status instead.
func (r *Runner) Run(ctx context.Context, trigger model.Trigger, limit int) (*model.IngestionRun, error) {
	if limit <= 0 {
		limit = r.cfg.DefaultLimit
	}

	run := r.reporter.Start(ctx, trigger, limit)

	var err error
	if r.cfg.PipelinePages {
		err = r.executePipelined(ctx, run, limit)
	} else {
		err = r.execute(ctx, run, limit)
	}

	// Reporting uses a fresh context so a cancelled run still gets its
	// ledger entry closed.
	r.reporter.Finish(context.WithoutCancel(ctx), run, err)
	return run, err
}

// execute is the sequential page loop: fetch, normalize, upsert, advance.
func (r *Runner) execute(ctx context.Context, run *model.IngestionRun, limit int) error {
	cursor := ""
	remaining := limit
	rejectBudget := r.cfg.MaxRejects

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "ingest: cancelled")
		}

		pageSize := min(r.pageSize, remaining)
		page, err := r.src.FetchPage(ctx, cursor, pageSize)
		if err != nil {
			return eris.Wrapf(err, "ingest: fetch page %d", run.Counters.Pages+1)
		}
		if len(page.Records) == 0 {
			break
		}

		if err := r.processPage(ctx, run, page.Records, &rejectBudget); err != nil {
			return err
		}

		remaining -= len(page.Records)
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}
	return nil
}

// executePipelined overlaps fetching the next page with processing the
// current one. Counter updates stay on the consumer side so the run totals
// need no locking.
func (r *Runner) executePipelined(ctx context.Context, run *model.IngestionRun, limit int) error {
	g, ctx := errgroup.WithContext(ctx)
	pages := make(chan *source.Page, 1)

	g.Go(func() error {
		defer close(pages)
		cursor := ""
		remaining := limit
		for remaining > 0 {
			page, err := r.src.FetchPage(ctx, cursor, min(r.pageSize, remaining))
			if err != nil {
				return eris.Wrap(err, "ingest: fetch page")
			}
			if len(page.Records) == 0 {
				return nil
			}
			select {
			case pages <- page:
			case <-ctx.Done():
				return ctx.Err()
			}
			remaining -= len(page.Records)
			if page.Next == "" {
				return nil
			}
			cursor = page.Next
		}
		return nil
	})

	g.Go(func() error {
		rejectBudget := r.cfg.MaxRejects
		for page := range pages {
			if err := r.processPage(ctx, run, page.Records, &rejectBudget); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}

// processPage normalizes and writes one page worth of records, chunked to
// the configured batch size. Rejections are counted and sampled, never
// fatal; a storage write failure is.
// rejectBudget bounds how many rejected rows a run keeps for inspection.
func (r *Runner) processPage(ctx context.Context, run *model.IngestionRun, raws []source.RawRecord, rejectBudget *int) error {
	run.Counters.Pages++
	run.Counters.Fetched += len(raws)

	records := make([]model.PriceRecord, 0, len(raws))
	var rejects []store.RejectRow
	for _, raw := range raws {
		rec, rej := r.norm.Normalize(raw)
		if rej != nil {
			rejects = append(rejects, rejectRow(raw, rej))
			continue
		}
		records = append(records, *rec)
	}
	run.Counters.Normalized += len(records)
	run.Counters.Rejected += len(rejects)

	for start := 0; start < len(records); start += r.batchSize {
		end := min(start+r.batchSize, len(records))
		res, err := r.store.UpsertPrices(ctx, records[start:end])
		run.Counters.Inserted += res.Inserted
		run.Counters.Updated += res.Updated
		run.Counters.Rejected += res.Failed
		if err != nil {
			return eris.Wrap(err, "ingest: upsert batch")
		}
	}

	if len(rejects) > 0 && *rejectBudget > 0 {
		sample := rejects
		if len(sample) > *rejectBudget {
			sample = sample[:*rejectBudget]
		}
		*rejectBudget -= len(sample)
		r.reporter.StoreRejects(ctx, run.ID, sample, 0)
	}
	return nil
}

func rejectRow(raw source.RawRecord, rej *normalize.Rejection) store.RejectRow {
	rawJSON, _ := json.Marshal(raw)
	return store.RejectRow{
		Reason: string(rej.Reason),
		Field:  rej.Field,
		Raw:    rawJSON,
	}
}
