package engine_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/ledgersync/pkg/config"
	"github.com/ha1tch/ledgersync/pkg/conn"
	"github.com/ha1tch/ledgersync/pkg/engine"
	"github.com/ha1tch/ledgersync/pkg/graph"
	"github.com/ha1tch/ledgersync/pkg/models"
	"github.com/ha1tch/ledgersync/pkg/source/sourcetest"
	"github.com/ha1tch/ledgersync/pkg/syncerr"
)

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func testConfig(t *testing.T, env *sourcetest.Env) *config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.SourceDriver = "sqlite"
	cfg.GatewayDSN = env.GatewayPath
	cfg.SwitchDSN = env.SwitchPath
	cfg.GraphType = "memory"
	cfg.GraphDataFile = filepath.Join(dir, "graph.json")
	cfg.CacheType = "memory"
	cfg.CursorType = "sqlite"
	cfg.CursorPath = filepath.Join(dir, "cursors.db")
	cfg.ReconnectAttempts = 1
	cfg.ReconnectBackoff = 0
	return cfg
}

func TestEngine_EndToEnd(t *testing.T) {
	env := sourcetest.New(t)
	cfg := testConfig(t, env)

	env.AddUser(t, "u1", "+919000000001", "VERIFIED", 20, base.Add(time.Second))
	env.AddUser(t, "u2", "+919000000002", "PENDING", 5, base.Add(2*time.Second))
	env.AddDevice(t, "u1", "dev-a", "10.1.1.1", base.Add(3*time.Second))
	env.AddTransaction(t, "t1", "9000000001@okaxis", "9000000002@okaxis", 4999, 0.82, models.TxnStatusBlockedFraud, base.Add(4*time.Second))
	env.AddTransaction(t, "t2", "9000000002@okaxis", "9000000001@okaxis", 10, 0.05, models.TxnStatusSuccess, base.Add(5*time.Second))

	e, err := engine.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	require.NoError(t, e.Preflight(ctx))

	for _, stream := range models.AllStreams {
		_, err := e.Scheduler.RunOnce(ctx, stream, false)
		require.NoError(t, err, stream)
	}

	mg := e.Graph.(*graph.MemoryGraph)
	assert.Equal(t, []string{"9000000001@okaxis", "9000000002@okaxis"}, mg.NodesByLabel(models.LabelUser))
	assert.Equal(t, []string{"dev-a"}, mg.NodesByLabel(models.LabelDevice))
	assert.Len(t, mg.Outgoing(models.LabelUser, "9000000001@okaxis", models.RelMoneyTransfer), 1)

	// feedback raised u1 and kept its KYC flag
	assert.InDelta(t, 82.0, env.UserRisk(t, "u1"), 1e-9)
	fv, err := e.Features.Read(ctx, "9000000001@okaxis")
	require.NoError(t, err)
	assert.Equal(t, models.FeatureVector{0.82, 1}, fv)

	// low-risk transaction left u2 alone
	assert.Equal(t, 5.0, env.UserRisk(t, "u2"))

	for _, st := range e.Scheduler.Status() {
		assert.Empty(t, st.LastError, st.Stream)
	}
	txns, ok := e.Pipeline(models.StreamTransactions)
	require.True(t, ok)
	assert.Equal(t, base.Add(5*time.Second), txns.Status().Watermark)

	wm, err := e.Cursors.Get(ctx, models.StreamDevices)
	require.NoError(t, err)
	assert.Equal(t, base.Add(3*time.Second), wm)
}

func TestEngine_RestartResumesFromCursor(t *testing.T) {
	env := sourcetest.New(t)
	cfg := testConfig(t, env)
	cfg.Streams = []string{"users"}
	ctx := context.Background()

	env.AddUser(t, "u1", "9000000001", "VERIFIED", 0, base.Add(time.Second))

	e, err := engine.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, e.Preflight(ctx))
	_, err = e.Scheduler.RunOnce(ctx, models.StreamUsers, false)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	env.AddUser(t, "u2", "9000000002", "VERIFIED", 0, base.Add(2*time.Second))

	e, err = engine.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.Preflight(ctx))

	report, err := e.Scheduler.RunOnce(ctx, models.StreamUsers, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pulled)

	// the memory graph snapshot carried u1 across the restart
	assert.Equal(t, 2, e.Graph.(*graph.MemoryGraph).NodeCount())
	assert.Len(t, e.Pipelines, 1)
}

func TestEngine_MalformedRowDoesNotStallStream(t *testing.T) {
	env := sourcetest.New(t)
	cfg := testConfig(t, env)
	cfg.Streams = []string{"users", "devices"}
	ctx := context.Background()

	env.AddUser(t, "u1", "9000000001", "VERIFIED", 0, base.Add(time.Second))
	env.AddUserRaw(t, "bad", "9000000002", "2024-05-01 09:00:02 UTC")
	env.AddUser(t, "u3", "9000000003", "VERIFIED", 0, base.Add(3*time.Second))
	env.AddDevice(t, "u1", "dev-a", "10.1.1.1", base.Add(4*time.Second))

	e, err := engine.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.Preflight(ctx))

	report, err := e.Scheduler.RunOnce(ctx, models.StreamUsers, false)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Pulled)
	assert.Equal(t, 2, report.Committed)
	assert.Equal(t, 1, report.Skipped)
	assert.True(t, report.Advanced)
	assert.Equal(t, base.Add(3*time.Second), report.Watermark)

	mg := e.Graph.(*graph.MemoryGraph)
	assert.Equal(t, []string{"9000000001@okaxis", "9000000003@okaxis"}, mg.NodesByLabel(models.LabelUser))

	// the shared replica slot stays usable for the devices stream
	assert.Equal(t, conn.StateOpen, e.Conns.State(conn.SlotGatewayReplica))
	report, err = e.Scheduler.RunOnce(ctx, models.StreamDevices, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Committed)

	// the next users cycle moves on past the bad row
	report, err = e.Scheduler.RunOnce(ctx, models.StreamUsers, false)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Pulled)
}

func TestEngine_SourceDownIsConnectivityError(t *testing.T) {
	env := sourcetest.New(t)
	cfg := testConfig(t, env)
	cfg.SwitchDSN = filepath.Join(t.TempDir(), "missing", "switch.db")

	e, err := engine.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.Preflight(context.Background()))

	_, err = e.Scheduler.RunOnce(context.Background(), models.StreamTransactions, false)
	require.Error(t, err)
	assert.True(t, syncerr.IsConnectivity(err))

	wm, err := e.Cursors.Get(context.Background(), models.StreamTransactions)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), wm)
}

func TestEngine_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Streams = []string{"users", "ledgers"}
	cfg.GraphType = "memory"
	cfg.CacheType = "memory"
	cfg.CursorType = "jsonfile"
	cfg.CursorPath = filepath.Join(t.TempDir(), "c.json")
	cfg.GraphDataFile = ""

	_, err := engine.New(cfg, zerolog.Nop())
	assert.Error(t, err)

	cfg.Streams = nil
	cfg.BatchSize = 0
	_, err = engine.New(cfg, zerolog.Nop())
	assert.Error(t, err)
}
