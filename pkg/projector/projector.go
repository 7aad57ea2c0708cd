// Package projector writes batches of source records into the graph store.
package projector

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ha1tch/ledgersync/pkg/graph"
	"github.com/ha1tch/ledgersync/pkg/models"
	"github.com/ha1tch/ledgersync/pkg/syncerr"
)

// Mapper converts one record into the ops of its unit of work
type Mapper[R models.Record] func(rec R) ([]graph.Op, error)

// Sink runs after a record's graph unit committed. A sink error stops the batch.
type Sink[R models.Record] func(ctx context.Context, rec R) error

// Result describes how far a batch got.
// The first Handled records are done (committed or skipped as unprojectable);
// nothing after them was written.
type Result struct {
	Handled   int
	Committed int
	Skipped   int
	Last      time.Time // watermark of the last handled record
}

// Projector applies records to a graph store one unit at a time
type Projector[R models.Record] struct {
	stream models.Stream
	store  graph.Store
	mapper Mapper[R]
	sinks  []Sink[R]
	logger zerolog.Logger
}

// New creates a projector for stream
func New[R models.Record](stream models.Stream, store graph.Store, mapper Mapper[R], logger zerolog.Logger, sinks ...Sink[R]) *Projector[R] {
	return &Projector[R]{
		stream: stream,
		store:  store,
		mapper: mapper,
		sinks:  sinks,
		logger: logger.With().Str("component", "projector").Str("stream", stream.String()).Logger(),
	}
}

// Project writes records in order. It stops at the first store or sink
// failure and returns the progress made before it together with the error.
// Records that failed to decode or cannot be mapped are skipped and logged.
func (p *Projector[R]) Project(ctx context.Context, records []R) (Result, error) {
	var res Result

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		var ops []graph.Op
		err := rec.DecodeError()
		if err == nil {
			ops, err = p.mapper(rec)
		}
		if err == nil {
			err = graph.ValidateAll(ops)
		}
		if err != nil {
			perr := &syncerr.ProjectionError{Stream: p.stream.String(), RecordKey: rec.RecordKey(), Err: err}
			p.logger.Warn().Err(perr).Msg("Skipping record")
			res.Skipped++
			res.Handled++
			res.Last = rec.Watermark()
			continue
		}

		if err := p.store.Apply(ctx, ops); err != nil {
			return res, err
		}
		for _, sink := range p.sinks {
			if err := sink(ctx, rec); err != nil {
				return res, err
			}
		}

		res.Committed++
		res.Handled++
		res.Last = rec.Watermark()
	}
	return res, nil
}
