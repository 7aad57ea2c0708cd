package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/ledgersync/pkg/config"
	"github.com/ha1tch/ledgersync/pkg/conn"
	"github.com/ha1tch/ledgersync/pkg/metrics"
	"github.com/ha1tch/ledgersync/pkg/models"
	"github.com/ha1tch/ledgersync/pkg/pipeline"
	"github.com/ha1tch/ledgersync/pkg/scheduler"
	"github.com/ha1tch/ledgersync/pkg/server"
)

// blockingRunner holds every cycle until release is closed
type blockingRunner struct {
	stream  models.Stream
	release chan struct{}
	started chan struct{}
	once    sync.Once

	mu   sync.Mutex
	runs []pipeline.RunOptions
}

func newBlockingRunner(stream models.Stream) *blockingRunner {
	return &blockingRunner{
		stream:  stream,
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
}

func (b *blockingRunner) Stream() models.Stream                   { return b.stream }
func (b *blockingRunner) LoadWatermark(ctx context.Context) error { return nil }
func (b *blockingRunner) Status() pipeline.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := pipeline.Status{Stream: b.stream, State: "idle"}
	if n := len(b.runs); n > 0 {
		st.LastRunID = b.runs[n-1].RunID
	}
	return st
}

func (b *blockingRunner) RunCycle(ctx context.Context, opts pipeline.RunOptions) (pipeline.Report, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return pipeline.Report{}, ctx.Err()
	}
	b.mu.Lock()
	b.runs = append(b.runs, opts)
	b.mu.Unlock()
	return pipeline.Report{Stream: b.stream}, nil
}

func (b *blockingRunner) history() []pipeline.RunOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]pipeline.RunOptions(nil), b.runs...)
}

type testServer struct {
	ts      *httptest.Server
	conns   *conn.Manager
	runners map[models.Stream]*blockingRunner
	t       *testing.T
}

func setupTestServer(t *testing.T) *testServer {
	runners := make(map[models.Stream]*blockingRunner)
	var list []pipeline.Runner
	for _, stream := range models.AllStreams {
		r := newBlockingRunner(stream)
		runners[stream] = r
		list = append(list, r)
	}

	sched := scheduler.New(0, list, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()

	conns := conn.NewManager(conn.Options{Attempts: 1}, zerolog.Nop())
	srv := server.New(config.Default(), sched, conns, metrics.NewCollector().Handler(), zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		for _, r := range runners {
			select {
			case <-r.release:
			default:
				close(r.release)
			}
		}
		cancel()
		<-done
	})
	return &testServer{ts: ts, conns: conns, runners: runners, t: t}
}

func (ts *testServer) doRequest(method, path string) (*http.Response, []byte) {
	req, err := http.NewRequest(method, ts.ts.URL+path, nil)
	require.NoError(ts.t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()

	body := &bytes.Buffer{}
	_, err = body.ReadFrom(resp.Body)
	require.NoError(ts.t, err)
	return resp, body.Bytes()
}

func decodeTrigger(t *testing.T, body []byte) models.TriggerResponse {
	var out models.TriggerResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestSync_Accepted(t *testing.T) {
	ts := setupTestServer(t)

	for _, path := range []string{"/sync/users", "/sync/devices", "/sync/transactions?force=true"} {
		t.Run(path, func(t *testing.T) {
			resp, body := ts.doRequest(http.MethodPost, path)
			require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

			out := decodeTrigger(t, body)
			assert.Equal(t, "Accepted", out.Status)
			assert.NotEmpty(t, out.Message)
			assert.NotEmpty(t, out.RunID)
		})
	}
}

func TestSync_ForceFlagReachesPipeline(t *testing.T) {
	ts := setupTestServer(t)
	users := ts.runners[models.StreamUsers]
	close(users.release)

	resp, body := ts.doRequest(http.MethodPost, "/sync/users?force=true")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	runID := decodeTrigger(t, body).RunID

	require.Eventually(t, func() bool { return len(users.history()) == 1 }, 2*time.Second, 5*time.Millisecond)
	run := users.history()[0]
	assert.True(t, run.Force)
	assert.Equal(t, runID, run.RunID)
}

func TestSync_AcceptedWhileCycleInFlight(t *testing.T) {
	ts := setupTestServer(t)
	txns := ts.runners[models.StreamTransactions]

	resp, _ := ts.doRequest(http.MethodPost, "/sync/transactions")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case <-txns.started:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not start")
	}

	// the cycle is blocked; further triggers must still return at once
	for i := 0; i < 3; i++ {
		start := time.Now()
		resp, _ := ts.doRequest(http.MethodPost, "/sync/transactions")
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Less(t, time.Since(start), time.Second)
	}
	assert.Empty(t, txns.history())
}

func TestSyncAll_ForcesUsersOnly(t *testing.T) {
	ts := setupTestServer(t)
	for _, r := range ts.runners {
		close(r.release)
	}

	resp, body := ts.doRequest(http.MethodPost, "/sync/all")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	runID := decodeTrigger(t, body).RunID

	for stream, r := range ts.runners {
		require.Eventually(t, func() bool { return len(r.history()) == 1 }, 2*time.Second, 5*time.Millisecond, stream)
		run := r.history()[0]
		assert.Equal(t, stream == models.StreamUsers, run.Force, stream)
		assert.Equal(t, runID, run.RunID, stream)
	}
}

func TestSync_BadRequests(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.doRequest(http.MethodPost, "/sync/ledgers")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var errResp models.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, http.StatusNotFound, errResp.Error.Status)

	resp, _ = ts.doRequest(http.MethodPost, "/sync/users?force=maybe")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.doRequest(http.MethodGet, "/sync/users")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSync_StreamNotScheduled(t *testing.T) {
	users := newBlockingRunner(models.StreamUsers)
	close(users.release)
	sched := scheduler.New(0, []pipeline.Runner{users}, zerolog.Nop())
	conns := conn.NewManager(conn.Options{Attempts: 1}, zerolog.Nop())
	srv := server.New(config.Default(), sched, conns, nil, zerolog.Nop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync/devices", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// no metrics handler, no route
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t)

	ts.conns.Register(conn.SlotGraph, func(ctx context.Context) (conn.Conn, error) {
		return nil, errors.New("connection refused")
	})

	resp, body := ts.doRequest(http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "ok", result["status"])
	assert.Equal(t, config.Version, result["version"])

	_, err := ts.conns.Acquire(context.Background(), conn.SlotGraph)
	require.Error(t, err)

	resp, body = ts.doRequest(http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "degraded", result["status"])
	assert.Contains(t, string(body), "connection refused")
}

func TestStatus(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.doRequest(http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Streams []pipeline.Status `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(body, &result))
	require.Len(t, result.Streams, len(models.AllStreams))
	for i, st := range result.Streams {
		assert.Equal(t, models.AllStreams[i], st.Stream)
	}
}

func TestMetricsAndVersion(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.doRequest(http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "go_goroutines"))

	resp, body = ts.doRequest(http.MethodGet, "/version")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), config.Version)
}
