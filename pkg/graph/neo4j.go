package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog"

	"github.com/ha1tch/ledgersync/pkg/conn"
	"github.com/ha1tch/ledgersync/pkg/syncerr"
)

// Constraint is a uniqueness constraint created by EnsureSchema
type Constraint struct {
	Name  string
	Label string
	Key   string
}

// Neo4jGraph is a Store backed by a Neo4j server. Each Apply runs in one
// managed write transaction.
type Neo4jGraph struct {
	conns    *conn.Manager
	slot     string
	database string
	logger   zerolog.Logger
}

// NewNeo4jGraph creates a store that acquires its driver from the named slot
func NewNeo4jGraph(conns *conn.Manager, slot, database string, logger zerolog.Logger) *Neo4jGraph {
	return &Neo4jGraph{
		conns:    conns,
		slot:     slot,
		database: database,
		logger:   logger.With().Str("component", "neo4j").Logger(),
	}
}

func (g *Neo4jGraph) session(ctx context.Context) (neo4j.SessionWithContext, error) {
	driver, err := g.conns.Neo4j(ctx, g.slot)
	if err != nil {
		return nil, err
	}
	return driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: g.database,
	}), nil
}

// Apply commits the ops in a single write transaction
func (g *Neo4jGraph) Apply(ctx context.Context, ops []Op) error {
	if err := ValidateAll(ops); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	session, err := g.session(ctx)
	if err != nil {
		return err
	}
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, op := range ops {
			cypher, params := op.Cypher()
			result, err := tx.Run(ctx, cypher, params)
			if err != nil {
				return nil, err
			}
			if _, err := result.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return g.fail(err)
	}
	return nil
}

// EnsureSchema creates uniqueness constraints for node keys
func (g *Neo4jGraph) EnsureSchema(ctx context.Context, constraints []Constraint) error {
	session, err := g.session(ctx)
	if err != nil {
		return err
	}
	defer session.Close(ctx)

	for _, c := range constraints {
		if !ValidName(c.Name) || !ValidName(c.Label) || !ValidName(c.Key) {
			return fmt.Errorf("%w: constraint %s", ErrInvalidName, c.Name)
		}
		cypher := fmt.Sprintf("CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE", c.Name, c.Label, c.Key)
		result, err := session.Run(ctx, cypher, nil)
		if err == nil {
			_, err = result.Consume(ctx)
		}
		if err != nil {
			return g.fail(err)
		}
		g.logger.Debug().Str("constraint", c.Name).Msg("Constraint ensured")
	}
	return nil
}

func (g *Neo4jGraph) fail(err error) error {
	wrapped := classifyWriteError(g.slot, err)
	if syncerr.IsConnectivity(wrapped) {
		g.conns.Invalidate(g.slot, err)
	}
	return wrapped
}

// classifyWriteError wraps a driver error. Only a lost connection, directly
// or as the last attempt of an exhausted retry, is a ConnectivityError.
// Any other failure comes back as a plain error.
func classifyWriteError(slot string, err error) error {
	wrapped := fmt.Errorf("graph write: %w", err)
	if lostConnection(err) {
		return syncerr.Connectivity(slot, wrapped)
	}
	return wrapped
}

func lostConnection(err error) bool {
	if neo4j.IsConnectivityError(err) {
		return true
	}
	var limit *neo4j.TransactionExecutionLimit
	if errors.As(err, &limit) && len(limit.Errors) > 0 {
		return neo4j.IsConnectivityError(limit.Errors[len(limit.Errors)-1])
	}
	return false
}

// Close is a no-op; the driver belongs to the connection manager
func (g *Neo4jGraph) Close() error {
	return nil
}
