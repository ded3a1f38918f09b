package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agridata/mandisync/internal/config"
	"github.com/agridata/mandisync/internal/ingest"
	"github.com/agridata/mandisync/internal/model"
	"github.com/agridata/mandisync/internal/store"
)

// memStore is a minimal in-memory Store for handler tests.
type memStore struct {
	store.Store
	runs    []model.IngestionRun
	pingErr error
}

func (m *memStore) Ping(ctx context.Context) error { return m.pingErr }

func (m *memStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.IngestionRun, error) {
	var out []model.IngestionRun
	for _, r := range m.runs {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) GetRun(ctx context.Context, id string) (*model.IngestionRun, error) {
	for _, r := range m.runs {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *memStore) LastSuccess(ctx context.Context) (*time.Time, error) { return nil, nil }

// instantIngester completes immediately.
type instantIngester struct{}

func (instantIngester) Run(ctx context.Context, trigger model.Trigger, limit int) (*model.IngestionRun, error) {
	return &model.IngestionRun{Trigger: trigger, Status: model.RunStatusSucceeded}, nil
}

func newTestServer(t *testing.T, st store.Store) *httptest.Server {
	t.Helper()
	scheduler := ingest.NewScheduler(instantIngester{}, config.ScheduleConfig{}, zap.NewNop())
	srv := New(config.Config{Alert: config.AlertConfig{LookbackHours: 24}}, st, scheduler, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t, &memStore{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Health_Unhealthy(t *testing.T) {
	ts := newTestServer(t, &memStore{pingErr: errors.New("connection refused")})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	finished := time.Now().UTC()
	ts := newTestServer(t, &memStore{runs: []model.IngestionRun{
		{ID: "a", Status: model.RunStatusSucceeded, FinishedAt: &finished},
	}})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Snapshot struct {
			RunsTotal int `json:"runs_total"`
		} `json:"snapshot"`
		RunActive bool `json:"run_active"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Snapshot.RunsTotal)
	assert.False(t, body.RunActive)
}

func TestServer_Trigger(t *testing.T) {
	ts := newTestServer(t, &memStore{})

	resp, err := http.Post(ts.URL+"/ingest/trigger", "application/json", strings.NewReader(`{"limit": 100}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["accepted"])
}

func TestServer_Trigger_EmptyBody(t *testing.T) {
	ts := newTestServer(t, &memStore{})

	resp, err := http.Post(ts.URL+"/ingest/trigger", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestServer_Trigger_BadJSON(t *testing.T) {
	ts := newTestServer(t, &memStore{})

	resp, err := http.Post(ts.URL+"/ingest/trigger", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ListRuns_FilterByStatus(t *testing.T) {
	ts := newTestServer(t, &memStore{runs: []model.IngestionRun{
		{ID: "a", Status: model.RunStatusSucceeded},
		{ID: "b", Status: model.RunStatusFailed},
	}})

	resp, err := http.Get(ts.URL + "/runs?status=failed")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Runs []model.IngestionRun `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "b", body.Runs[0].ID)
}

func TestServer_GetRun(t *testing.T) {
	ts := newTestServer(t, &memStore{runs: []model.IngestionRun{
		{ID: "run-1", Status: model.RunStatusSucceeded},
	}})

	resp, err := http.Get(ts.URL + "/runs/run-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run model.IngestionRun
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, "run-1", run.ID)
}

func TestServer_GetRun_NotFound(t *testing.T) {
	ts := newTestServer(t, &memStore{})

	resp, err := http.Get(ts.URL + "/runs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
