package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agridata/mandisync/internal/config"
	"github.com/agridata/mandisync/internal/model"
	"github.com/agridata/mandisync/internal/source"
	"github.com/agridata/mandisync/internal/store"
)

// fakeSource pages through a fixed record set, optionally failing on a
// given page number.
type fakeSource struct {
	records     []source.RawRecord
	failOnPage  int
	pagesServed int
}

func (f *fakeSource) FetchPage(ctx context.Context, cursor string, pageSize int) (*source.Page, error) {
	f.pagesServed++
	if f.failOnPage > 0 && f.pagesServed >= f.failOnPage {
		return nil, errors.New("upstream unavailable")
	}

	offset := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "%d", &offset)
	}
	if offset >= len(f.records) {
		return &source.Page{}, nil
	}
	end := offset + pageSize
	if end > len(f.records) {
		end = len(f.records)
	}
	page := &source.Page{Records: f.records[offset:end]}
	if end < len(f.records) {
		page.Next = fmt.Sprintf("%d", end)
	}
	return page, nil
}

// fakeStore keeps everything in memory and can be told to fail writes.
type fakeStore struct {
	mu          sync.Mutex
	prices      map[string]model.PriceRecord
	runs        map[string]model.IngestionRun
	rejects     map[string][]store.RejectRow
	upsertSizes []int
	failUpserts bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		prices:  map[string]model.PriceRecord{},
		runs:    map[string]model.IngestionRun{},
		rejects: map[string][]store.RejectRow{},
	}
}

func (f *fakeStore) UpsertPrices(ctx context.Context, records []model.PriceRecord) (store.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertSizes = append(f.upsertSizes, len(records))
	if f.failUpserts {
		return store.UpsertResult{}, errors.New("disk full")
	}
	var res store.UpsertResult
	for _, r := range records {
		key := r.Key().String()
		if _, ok := f.prices[key]; ok {
			res.Updated++
		} else {
			res.Inserted++
		}
		f.prices[key] = r
	}
	return res, nil
}

func (f *fakeStore) CreateRun(ctx context.Context, run *model.IngestionRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = *run
	return nil
}

func (f *fakeStore) CompleteRun(ctx context.Context, run *model.IngestionRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = *run
	return nil
}

func (f *fakeStore) GetRun(ctx context.Context, runID string) (*model.IngestionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (f *fakeStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.IngestionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var runs []model.IngestionRun
	for _, run := range f.runs {
		runs = append(runs, run)
	}
	return runs, nil
}

func (f *fakeStore) LastSuccess(ctx context.Context) (*time.Time, error) { return nil, nil }

func (f *fakeStore) AddRejects(ctx context.Context, runID string, rejects []store.RejectRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects[runID] = append(f.rejects[runID], rejects...)
	return nil
}

func (f *fakeStore) Migrate(ctx context.Context) error       { return nil }
func (f *fakeStore) EnsureIndexes(ctx context.Context) error { return nil }
func (f *fakeStore) Ping(ctx context.Context) error          { return nil }
func (f *fakeStore) Close() error                            { return nil }

func rawRecord(i int) source.RawRecord {
	return source.RawRecord{
		State:       "Delhi",
		Market:      fmt.Sprintf("Market %d", i),
		Commodity:   "Wheat",
		Variety:     "Dara",
		ArrivalDate: "2024-01-01",
		MinPrice:    "1900",
		MaxPrice:    "2100",
		ModalPrice:  "2000",
	}
}

func rawRecords(n int) []source.RawRecord {
	out := make([]source.RawRecord, n)
	for i := range out {
		out[i] = rawRecord(i)
	}
	return out
}

func testConfig(pageSize int) config.Config {
	return config.Config{
		Source: config.SourceConfig{PageSize: pageSize},
		Ingest: config.IngestConfig{
			BatchSize:    500,
			DefaultLimit: 10000,
			MaxRejects:   200,
		},
	}
}

func TestRunner_Run_Success(t *testing.T) {
	st := newFakeStore()
	src := &fakeSource{records: rawRecords(5)}
	r := NewRunner(src, st, testConfig(2), zap.NewNop())

	run, err := r.Run(context.Background(), model.TriggerManual, 0)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Equal(t, 5, run.Counters.Fetched)
	assert.Equal(t, 5, run.Counters.Normalized)
	assert.Equal(t, 5, run.Counters.Inserted)
	assert.Equal(t, 0, run.Counters.Updated)
	assert.Equal(t, 0, run.Counters.Rejected)
	assert.Equal(t, 3, run.Counters.Pages)
	require.NotNil(t, run.FinishedAt)

	persisted, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, model.RunStatusSucceeded, persisted.Status)
}

func TestRunner_Run_SecondPassUpdates(t *testing.T) {
	st := newFakeStore()
	records := rawRecords(5)
	r := NewRunner(&fakeSource{records: records}, st, testConfig(5), zap.NewNop())

	_, err := r.Run(context.Background(), model.TriggerManual, 0)
	require.NoError(t, err)

	r2 := NewRunner(&fakeSource{records: records}, st, testConfig(5), zap.NewNop())
	run, err := r2.Run(context.Background(), model.TriggerScheduled, 0)
	require.NoError(t, err)

	assert.Equal(t, 0, run.Counters.Inserted)
	assert.Equal(t, 5, run.Counters.Updated)
	assert.Len(t, st.prices, 5, "no duplicate rows on re-ingest")
}

func TestRunner_Run_RejectionDoesNotAbort(t *testing.T) {
	st := newFakeStore()
	records := rawRecords(100)
	records[42].ModalPrice = "not a number"
	r := NewRunner(&fakeSource{records: records}, st, testConfig(50), zap.NewNop())

	run, err := r.Run(context.Background(), model.TriggerManual, 0)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Equal(t, 100, run.Counters.Fetched)
	assert.Equal(t, 99, run.Counters.Normalized)
	assert.Equal(t, 1, run.Counters.Rejected)
	assert.Equal(t, 99, run.Counters.Upserted())
	assert.Len(t, st.rejects[run.ID], 1)
	assert.Equal(t, "bad_price", st.rejects[run.ID][0].Reason)
}

func TestRunner_Run_MidRunFetchFailureKeepsCommitted(t *testing.T) {
	st := newFakeStore()
	src := &fakeSource{records: rawRecords(10), failOnPage: 3}
	r := NewRunner(src, st, testConfig(2), zap.NewNop())

	run, err := r.Run(context.Background(), model.TriggerScheduled, 0)
	require.Error(t, err)

	assert.Equal(t, model.RunStatusFailedPartial, run.Status)
	assert.Equal(t, 4, run.Counters.Inserted, "two committed pages survive")
	assert.Len(t, st.prices, 4)
	assert.NotEmpty(t, run.Error)
}

func TestRunner_Run_FailsWhenNothingWritten(t *testing.T) {
	st := newFakeStore()
	src := &fakeSource{records: rawRecords(10), failOnPage: 1}
	r := NewRunner(src, st, testConfig(5), zap.NewNop())

	run, err := r.Run(context.Background(), model.TriggerScheduled, 0)
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, 0, run.Counters.Upserted())
}

func TestRunner_Run_WriteFailure(t *testing.T) {
	st := newFakeStore()
	st.failUpserts = true
	r := NewRunner(&fakeSource{records: rawRecords(5)}, st, testConfig(5), zap.NewNop())

	run, err := r.Run(context.Background(), model.TriggerManual, 0)
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
}

func TestRunner_Run_LimitBoundsFetch(t *testing.T) {
	st := newFakeStore()
	r := NewRunner(&fakeSource{records: rawRecords(10)}, st, testConfig(4), zap.NewNop())

	run, err := r.Run(context.Background(), model.TriggerBackfill, 6)
	require.NoError(t, err)

	assert.Equal(t, 6, run.Counters.Requested)
	assert.Equal(t, 6, run.Counters.Fetched, "stops at the requested limit")
	assert.Equal(t, 2, run.Counters.Pages)
}

func TestRunner_Run_BatchSizeBoundsWrites(t *testing.T) {
	st := newFakeStore()
	cfg := testConfig(5)
	cfg.Ingest.BatchSize = 2
	r := NewRunner(&fakeSource{records: rawRecords(5)}, st, cfg, zap.NewNop())

	run, err := r.Run(context.Background(), model.TriggerManual, 0)
	require.NoError(t, err)

	assert.Equal(t, 5, run.Counters.Inserted)
	assert.Equal(t, []int{2, 2, 1}, st.upsertSizes, "page split into configured batches")
}

func TestNewRunner_BatchSizeCapped(t *testing.T) {
	cfg := testConfig(5)
	cfg.Ingest.BatchSize = 9999
	r := NewRunner(&fakeSource{}, newFakeStore(), cfg, zap.NewNop())
	assert.Equal(t, store.MaxBatchSize, r.batchSize)

	cfg.Ingest.BatchSize = 0
	r = NewRunner(&fakeSource{}, newFakeStore(), cfg, zap.NewNop())
	assert.Equal(t, store.MaxBatchSize, r.batchSize)
}

func TestRunner_Run_Pipelined(t *testing.T) {
	st := newFakeStore()
	cfg := testConfig(2)
	cfg.Ingest.PipelinePages = true
	r := NewRunner(&fakeSource{records: rawRecords(7)}, st, cfg, zap.NewNop())

	run, err := r.Run(context.Background(), model.TriggerManual, 0)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Equal(t, 7, run.Counters.Inserted)
	assert.Equal(t, 4, run.Counters.Pages)
}

func TestRunner_Run_CancelledContext(t *testing.T) {
	st := newFakeStore()
	r := NewRunner(&fakeSource{records: rawRecords(10)}, st, testConfig(2), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := r.Run(ctx, model.TriggerManual, 0)
	require.Error(t, err)
	assert.NotEqual(t, model.RunStatusSucceeded, run.Status)

	// The ledger entry is still closed despite the cancelled context.
	persisted, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.NotEqual(t, model.RunStatusRunning, persisted.Status)
}
