package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/packfinderz-offline/internal/engine"
	"github.com/angelmondragon/packfinderz-offline/internal/remote"
	"github.com/angelmondragon/packfinderz-offline/pkg/config"
	"github.com/angelmondragon/packfinderz-offline/pkg/db/dbtest"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
	"github.com/angelmondragon/packfinderz-offline/pkg/logger"
	"github.com/angelmondragon/packfinderz-offline/pkg/metrics"
	"github.com/angelmondragon/packfinderz-offline/pkg/outbox"
)

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error {
	return s.err
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: "test"},
		Sync: config.SyncConfig{
			BatchSize:    10,
			MaxRetries:   3,
			BaseDelay:    time.Second,
			CapDelay:     time.Minute,
			PollInterval: time.Hour,
		},
		Connectivity: config.ConnectivityConfig{
			Debounce:      10 * time.Millisecond,
			ProbeInterval: time.Hour,
		},
		Eventing: config.EventingConfig{BusBufferSize: 16},
	}
}

func newTestServer(t *testing.T, dbErr error) (*engine.Engine, *httptest.Server) {
	t.Helper()
	cfg := testConfig()
	reg := prometheus.NewRegistry()
	sender := remote.SenderFunc(func(_ context.Context, req remote.Request) (*remote.Response, error) {
		return &remote.Response{CanonicalID: req.EntityID, Record: req.Payload}, nil
	})
	e, err := engine.New(context.Background(), engine.Params{
		Config:  cfg,
		Logger:  logger.Nop(),
		DB:      dbtest.NewSQLite(t),
		Sender:  sender,
		Metrics: metrics.NewSyncMetrics(reg),
		Jitter:  func(time.Duration) time.Duration { return 0 },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	srv := httptest.NewServer(NewRouter(cfg, logger.Nop(), e, stubPinger{err: dbErr}, nil, reg))
	t.Cleanup(srv.Close)
	return e, srv
}

func call(t *testing.T, srv *httptest.Server, method, path, body string) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func enqueue(t *testing.T, e *engine.Engine, id string) string {
	t.Helper()
	entryID, err := e.AddToSyncQueue(context.Background(), outbox.EnqueueInput{
		EntityType:      enums.EntityRFQ,
		Action:          enums.ActionUpdate,
		Payload:         map[string]any{"id": id, "title": "Jars"},
		RelatedEntityID: id,
	})
	require.NoError(t, err)
	return entryID
}

func TestHealthRoutes(t *testing.T) {
	_, srv := newTestServer(t, nil)

	status, env := call(t, srv, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"live"}`, string(env.Data))

	status, env = call(t, srv, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ready","database":"ok"}`, string(env.Data))
}

func TestReadyReportsFailingDependency(t *testing.T) {
	_, srv := newTestServer(t, errors.New("database is locked"))

	status, env := call(t, srv, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(pkgerrors.CodeDependency), env.Error.Code)
}

func TestStatsAndQueue(t *testing.T) {
	e, srv := newTestServer(t, nil)
	enqueue(t, e, "rfq_1")
	enqueue(t, e, "rfq_2")

	status, env := call(t, srv, http.MethodGet, "/api/v1/offline/stats", "")
	require.Equal(t, http.StatusOK, status)
	var stats engine.Stats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.EqualValues(t, 2, stats.Pending)
	assert.False(t, stats.Online)

	status, env = call(t, srv, http.MethodGet, "/api/v1/offline/queue?status=pending", "")
	require.Equal(t, http.StatusOK, status)
	var queue struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &queue))
	assert.Equal(t, 2, queue.Count)

	status, env = call(t, srv, http.MethodGet, "/api/v1/offline/queue?status=failed", "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &queue))
	assert.Zero(t, queue.Count)

	status, env = call(t, srv, http.MethodGet, "/api/v1/offline/queue?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(pkgerrors.CodeValidation), env.Error.Code)
}

func TestSyncWhileOfflineAndOnline(t *testing.T) {
	e, srv := newTestServer(t, nil)
	enqueue(t, e, "rfq_1")

	status, env := call(t, srv, http.MethodPost, "/api/v1/offline/sync", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(pkgerrors.CodeOffline), env.Error.Code)

	e.ReportConnectivity(true)
	require.Eventually(t, e.Online, time.Second, 5*time.Millisecond)

	status, env = call(t, srv, http.MethodPost, "/api/v1/offline/sync", "")
	require.Equal(t, http.StatusOK, status)
	var report struct {
		Synced int `json:"synced"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, 1, report.Synced)
}

func TestRemoveRetryAndClear(t *testing.T) {
	e, srv := newTestServer(t, nil)
	entryID := enqueue(t, e, "rfq_1")
	enqueue(t, e, "rfq_2")

	status, _ := call(t, srv, http.MethodDelete, "/api/v1/offline/queue/"+entryID, "")
	assert.Equal(t, http.StatusOK, status)

	status, env := call(t, srv, http.MethodDelete, "/api/v1/offline/queue/"+entryID, "")
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, env.Error)

	status, env = call(t, srv, http.MethodPost, "/api/v1/offline/queue/retry", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"requeued":0}`, string(env.Data))

	status, _ = call(t, srv, http.MethodPost, "/api/v1/offline/queue/retry", `{"entry_ids":[""]}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, srv, http.MethodDelete, "/api/v1/offline/data", "")
	assert.Equal(t, http.StatusOK, status)
	stats, err := e.GetOfflineStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestServer(t, nil)

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "offline_sync_online")
}

func TestQueueLimitAndFailures(t *testing.T) {
	e, srv := newTestServer(t, nil)
	enqueue(t, e, "rfq_1")
	enqueue(t, e, "rfq_2")

	status, env := call(t, srv, http.MethodGet, "/api/v1/offline/queue?limit=1", "")
	require.Equal(t, http.StatusOK, status)
	var queue struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &queue))
	assert.Equal(t, 1, queue.Count)

	status, _ = call(t, srv, http.MethodGet, "/api/v1/offline/queue?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, env = call(t, srv, http.MethodGet, "/api/v1/offline/failures", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"failures":[],"count":0}`, string(env.Data))
}
