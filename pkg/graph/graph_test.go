package graph_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/ledgersync/pkg/graph"
	"github.com/ha1tch/ledgersync/pkg/syncerr"
)

func user(vpa string) graph.NodeRef {
	return graph.NodeRef{Label: "User", Key: "vpa", Value: vpa}
}

func device(id string) graph.NodeRef {
	return graph.NodeRef{Label: "Device", Key: "deviceId", Value: id}
}

func transfer(txnID, from, to string, amount float64) graph.Op {
	return graph.UpsertEdge("MONEY_TRANSFER", user(from), user(to),
		graph.Props{"txnId": txnID}, graph.Props{"amount": amount})
}

func TestMemoryGraph_ApplyIsIdempotent(t *testing.T) {
	g := graph.NewMemoryGraph()
	ctx := context.Background()

	ops := []graph.Op{
		graph.UpsertNode(user("9000000001@okaxis"), graph.Props{"kyc": 1.0, "riskScore": 0.82}),
		graph.UpsertNode(device("dev-a"), nil),
		graph.UpsertEdge("USED_DEVICE", user("9000000001@okaxis"), device("dev-a"), nil, graph.Props{"lastSeen": "2024-05-01"}),
	}
	require.NoError(t, g.Apply(ctx, ops))
	require.NoError(t, g.Apply(ctx, ops))

	assert.Equal(t, 2, g.NodeCount())
	assert.Equal(t, 1, g.EdgeCount())

	n, ok := g.Node("User", "9000000001@okaxis")
	require.True(t, ok)
	assert.Equal(t, 0.82, n.Props["riskScore"])
}

func TestMemoryGraph_PropsOverwrite(t *testing.T) {
	g := graph.NewMemoryGraph()
	ctx := context.Background()

	require.NoError(t, g.Apply(ctx, []graph.Op{graph.UpsertNode(user("a@okaxis"), graph.Props{"kyc": 0.0, "phone": "1"})}))
	require.NoError(t, g.Apply(ctx, []graph.Op{graph.UpsertNode(user("a@okaxis"), graph.Props{"kyc": 1.0})}))

	n, _ := g.Node("User", "a@okaxis")
	assert.Equal(t, 1.0, n.Props["kyc"])
	assert.Equal(t, "1", n.Props["phone"])
}

func TestMemoryGraph_TransfersKeyedByTxnID(t *testing.T) {
	g := graph.NewMemoryGraph()
	ctx := context.Background()

	require.NoError(t, g.Apply(ctx, []graph.Op{transfer("t1", "a@okaxis", "b@okaxis", 100)}))
	require.NoError(t, g.Apply(ctx, []graph.Op{transfer("t2", "a@okaxis", "b@okaxis", 250)}))
	require.NoError(t, g.Apply(ctx, []graph.Op{transfer("t1", "a@okaxis", "b@okaxis", 100)}))

	out := g.Outgoing("User", "a@okaxis", "MONEY_TRANSFER")
	require.Len(t, out, 2)
	assert.Equal(t, "t1", out[0].Match["txnId"])
	assert.Equal(t, "t2", out[1].Match["txnId"])

	in := g.Incoming("User", "b@okaxis", "")
	assert.Len(t, in, 2)

	// endpoints are merged implicitly
	assert.Equal(t, []string{"a@okaxis", "b@okaxis"}, g.NodesByLabel("User"))
}

func TestMemoryGraph_UnitIsAllOrNothing(t *testing.T) {
	g := graph.NewMemoryGraph()

	err := g.Apply(context.Background(), []graph.Op{
		graph.UpsertNode(user("a@okaxis"), nil),
		graph.UpsertNode(graph.NodeRef{Label: "Bad Label", Key: "id", Value: "x"}, nil),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrInvalidName))
	assert.Zero(t, g.NodeCount())
}

func TestMemoryGraph_CancelledContext(t *testing.T) {
	g := graph.NewMemoryGraph()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Apply(ctx, []graph.Op{graph.UpsertNode(user("a@okaxis"), nil)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, g.NodeCount())
}

func TestMemoryGraph_SnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	ctx := context.Background()

	g, err := graph.OpenMemoryGraph(path)
	require.NoError(t, err)
	require.NoError(t, g.Apply(ctx, []graph.Op{
		graph.UpsertNode(user("a@okaxis"), graph.Props{"kyc": 1.0}),
		transfer("t1", "a@okaxis", "b@okaxis", 100),
		transfer("t2", "b@okaxis", "a@okaxis", 40),
	}))
	require.NoError(t, g.Close())

	reopened, err := graph.OpenMemoryGraph(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.NodeCount())
	assert.Equal(t, 2, reopened.EdgeCount())

	n, ok := reopened.Node("User", "a@okaxis")
	require.True(t, ok)
	assert.Equal(t, 1.0, n.Props["kyc"])

	// re-applying after load stays idempotent
	require.NoError(t, reopened.Apply(ctx, []graph.Op{transfer("t1", "a@okaxis", "b@okaxis", 100)}))
	assert.Equal(t, 2, reopened.EdgeCount())
}

func TestOp_Cypher(t *testing.T) {
	cypher, params := graph.UpsertNode(user("a@okaxis"), graph.Props{"kyc": 1.0}).Cypher()
	assert.Equal(t, "MERGE (n:User {vpa: $key}) SET n += $props", cypher)
	assert.Equal(t, "a@okaxis", params["key"])
	assert.Equal(t, map[string]any{"kyc": 1.0}, params["props"])

	cypher, params = transfer("t9", "a@okaxis", "b@okaxis", 10).Cypher()
	assert.Equal(t,
		"MERGE (a:User {vpa: $from}) MERGE (b:User {vpa: $to}) MERGE (a)-[r:MONEY_TRANSFER {txnId: $m_txnId}]->(b) SET r += $props",
		cypher)
	assert.Equal(t, "t9", params["m_txnId"])
	assert.Equal(t, "b@okaxis", params["to"])

	cypher, _ = graph.UpsertEdge("HAS_IP", device("d"), graph.NodeRef{Label: "IP", Key: "address", Value: "10.0.0.1"}, nil, nil).Cypher()
	assert.Equal(t, "MERGE (a:Device {deviceId: $from}) MERGE (b:IP {address: $to}) MERGE (a)-[r:HAS_IP]->(b) SET r += $props", cypher)
}

func TestOp_Validate(t *testing.T) {
	cases := map[string]graph.Op{
		"label injection": graph.UpsertNode(graph.NodeRef{Label: "User) DETACH DELETE (n", Key: "vpa", Value: "x"}, nil),
		"bad prop":        graph.UpsertNode(user("a"), graph.Props{"risk score": 1}),
		"bad rel":         graph.UpsertEdge("MONEY-TRANSFER", user("a"), user("b"), nil, nil),
		"empty key":       graph.UpsertNode(user(""), nil),
		"empty endpoint":  graph.UpsertEdge("HAS_IP", device("d"), graph.NodeRef{Label: "IP", Key: "address"}, nil, nil),
	}
	for name, op := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, op.Validate())
		})
	}
	assert.NoError(t, transfer("t1", "a", "b", 1).Validate())
}

func TestClassifyWriteError(t *testing.T) {
	lost := &neo4j.ConnectivityError{Inner: errors.New("broken pipe")}

	tests := []struct {
		name string
		err  error
		lost bool
	}{
		{"connection lost", lost, true},
		{"retries exhausted on a lost connection", &neo4j.TransactionExecutionLimit{
			Cause:  "timeout",
			Errors: []error{errors.New("leader switch"), lost},
		}, true},
		{"retries exhausted on a server error", &neo4j.TransactionExecutionLimit{
			Cause:  "timeout",
			Errors: []error{lost, &neo4j.Neo4jError{Code: "Neo.TransientError.Transaction.DeadlockDetected"}},
		}, false},
		{"syntax error", &neo4j.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError", Msg: "bad cypher"}, false},
		{"constraint violation", &neo4j.Neo4jError{Code: "Neo.ClientError.Schema.ConstraintValidationFailed"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := graph.ClassifyWriteError("graph", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.lost, syncerr.IsConnectivity(err))
			assert.ErrorIs(t, err, tt.err)
			assert.Contains(t, err.Error(), "graph write")
		})
	}
}
