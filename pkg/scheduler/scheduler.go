// Package scheduler drives stream pipelines on a fixed interval and on
// explicit triggers.
//
// Each stream has one worker goroutine, so cycles of a stream never overlap
// while different streams run independently. Triggers never block: they set
// a pending flag on the stream's worker and return. Triggers that arrive
// while a cycle is in flight are coalesced into the next cycle.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ha1tch/ledgersync/pkg/models"
	"github.com/ha1tch/ledgersync/pkg/pipeline"
)

type request struct {
	pending bool
	runID   string
	merged  int
}

type worker struct {
	runner pipeline.Runner
	signal chan struct{}

	mu          sync.Mutex
	incremental request
	force       request
}

func newWorker(r pipeline.Runner) *worker {
	return &worker{runner: r, signal: make(chan struct{}, 1)}
}

func (w *worker) request(force bool, runID string) {
	w.mu.Lock()
	req := &w.incremental
	if force {
		req = &w.force
	}
	if req.pending {
		req.merged++
	}
	req.pending = true
	req.runID = runID
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// take returns and clears the pending requests
func (w *worker) take() (force, incremental request) {
	w.mu.Lock()
	defer w.mu.Unlock()
	force, incremental = w.force, w.incremental
	w.force, w.incremental = request{}, request{}
	return force, incremental
}

// Scheduler owns one worker per stream
type Scheduler struct {
	interval time.Duration
	workers  map[models.Stream]*worker
	order    []models.Stream
	logger   zerolog.Logger
}

// New creates a scheduler for runners. A zero interval disables the ticker
// so only explicit triggers run cycles.
func New(interval time.Duration, runners []pipeline.Runner, logger zerolog.Logger) *Scheduler {
	s := &Scheduler{
		interval: interval,
		workers:  make(map[models.Stream]*worker, len(runners)),
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
	for _, r := range runners {
		s.workers[r.Stream()] = newWorker(r)
		s.order = append(s.order, r.Stream())
	}
	return s
}

// Run starts the workers and the ticker and blocks until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, stream := range s.order {
		w := s.workers[stream]
		g.Go(func() error {
			s.work(ctx, w)
			return nil
		})
	}

	if s.interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(s.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					for _, stream := range s.order {
						s.workers[stream].request(false, "")
					}
				}
			}
		})
	}

	s.logger.Info().Dur("interval", s.interval).Int("streams", len(s.order)).Msg("Scheduler started")
	err := g.Wait()
	s.logger.Info().Msg("Scheduler stopped")
	return err
}

func (s *Scheduler) work(ctx context.Context, w *worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.signal:
		}

		force, incremental := w.take()
		if force.pending {
			s.cycle(ctx, w, pipeline.RunOptions{Force: true, RunID: force.runID}, force.merged)
		}
		if incremental.pending && ctx.Err() == nil {
			s.cycle(ctx, w, pipeline.RunOptions{RunID: incremental.runID}, incremental.merged)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context, w *worker, opts pipeline.RunOptions, merged int) {
	if merged > 0 {
		s.logger.Debug().
			Str("stream", w.runner.Stream().String()).
			Int("coalesced", merged).
			Msg("Coalesced pending triggers")
	}
	// Errors are logged and counted by the pipeline; the next cycle retries.
	_, _ = w.runner.RunCycle(ctx, opts)
}

// Trigger requests a cycle for stream and returns at once with a run id
func (s *Scheduler) Trigger(stream models.Stream, force bool) (string, error) {
	w, ok := s.workers[stream]
	if !ok {
		return "", fmt.Errorf("stream %s is not scheduled", stream)
	}
	runID := uuid.NewString()
	w.request(force, runID)
	s.logger.Info().
		Str("stream", stream.String()).
		Bool("force", force).
		Str("run_id", runID).
		Msg("Sync triggered")
	return runID, nil
}

// TriggerAll forces a full user resync and requests incremental cycles for
// every other stream. All requests share one run id.
func (s *Scheduler) TriggerAll() string {
	runID := uuid.NewString()
	for _, stream := range s.order {
		s.workers[stream].request(stream == models.StreamUsers, runID)
	}
	s.logger.Info().Str("run_id", runID).Msg("Full sync triggered")
	return runID
}

// RunOnce runs a cycle in the caller's goroutine, bypassing the workers
func (s *Scheduler) RunOnce(ctx context.Context, stream models.Stream, force bool) (pipeline.Report, error) {
	w, ok := s.workers[stream]
	if !ok {
		return pipeline.Report{}, fmt.Errorf("stream %s is not scheduled", stream)
	}
	return w.runner.RunCycle(ctx, pipeline.RunOptions{Force: force, RunID: uuid.NewString()})
}

// Streams returns the scheduled streams in order
func (s *Scheduler) Streams() []models.Stream {
	return append([]models.Stream(nil), s.order...)
}

// Status reports every pipeline
func (s *Scheduler) Status() []pipeline.Status {
	out := make([]pipeline.Status, 0, len(s.order))
	for _, stream := range s.order {
		out = append(out, s.workers[stream].runner.Status())
	}
	return out
}
