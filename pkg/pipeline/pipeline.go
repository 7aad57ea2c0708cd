// Package pipeline runs sync cycles for one entity stream.
//
// A cycle moves through Idle -> Reading -> Projecting -> Advancing -> Idle.
// The cursor only moves after the records up to the new watermark are
// committed to the graph store and the feature cache, and it never moves
// backwards.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ha1tch/ledgersync/pkg/cursor"
	"github.com/ha1tch/ledgersync/pkg/metrics"
	"github.com/ha1tch/ledgersync/pkg/models"
	"github.com/ha1tch/ledgersync/pkg/projector"
	"github.com/ha1tch/ledgersync/pkg/source"
)

// State is the pipeline's position within a cycle
type State int

const (
	StateIdle State = iota
	StateReading
	StateProjecting
	StateAdvancing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateProjecting:
		return "projecting"
	case StateAdvancing:
		return "advancing"
	}
	return "unknown"
}

// ErrNotLoaded is returned by RunCycle before the watermark was loaded
var ErrNotLoaded = errors.New("watermark not loaded")

// Projector writes a batch and reports how far it got
type Projector[R models.Record] interface {
	Project(ctx context.Context, records []R) (projector.Result, error)
}

// RunOptions controls a single cycle
type RunOptions struct {
	Force bool   // re-read the whole table without touching the cursor
	RunID string // correlates logs with the trigger that caused the run
}

// Report summarizes a finished cycle
type Report struct {
	RunID     string        `json:"run_id,omitempty"`
	Stream    models.Stream `json:"stream"`
	Force     bool          `json:"force"`
	Pulled    int           `json:"pulled"`
	Committed int           `json:"committed"`
	Skipped   int           `json:"skipped"`
	Advanced  bool          `json:"advanced"`
	Watermark time.Time     `json:"watermark"`
	Duration  time.Duration `json:"duration"`
}

// Status is a point-in-time view of a pipeline
type Status struct {
	Stream    models.Stream `json:"stream"`
	State     string        `json:"state"`
	Watermark time.Time     `json:"watermark"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastRunID string        `json:"last_run_id,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Committed int           `json:"last_committed"`
}

// Runner is the stream-agnostic view of a pipeline used by the scheduler
type Runner interface {
	Stream() models.Stream
	LoadWatermark(ctx context.Context) error
	RunCycle(ctx context.Context, opts RunOptions) (Report, error)
	Status() Status
}

// Pipeline syncs one stream of records of type R
type Pipeline[R models.Record] struct {
	reader    source.Reader[R]
	projector Projector[R]
	cursors   cursor.Store
	batchSize int
	metrics   *metrics.Collector
	logger    zerolog.Logger

	run sync.Mutex // one cycle at a time

	mu        sync.Mutex
	state     State
	watermark time.Time
	loaded    bool
	lastRun   time.Time
	lastRunID string
	lastErr   error
	lastCount int
}

// New creates a pipeline. Call LoadWatermark before the first cycle.
func New[R models.Record](reader source.Reader[R], proj Projector[R], cursors cursor.Store, batchSize int, m *metrics.Collector, logger zerolog.Logger) *Pipeline[R] {
	if batchSize <= 0 {
		batchSize = source.DefaultLimit
	}
	return &Pipeline[R]{
		reader:    reader,
		projector: proj,
		cursors:   cursors,
		batchSize: batchSize,
		metrics:   m,
		logger:    logger.With().Str("component", "pipeline").Str("stream", reader.Stream().String()).Logger(),
	}
}

func (p *Pipeline[R]) Stream() models.Stream {
	return p.reader.Stream()
}

// LoadWatermark reads the stream's cursor into memory. The error is a
// *syncerr.PersistenceError when the cursor store fails.
func (p *Pipeline[R]) LoadWatermark(ctx context.Context) error {
	wm, err := p.cursors.Get(ctx, p.Stream())
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.watermark = wm
	p.loaded = true
	p.mu.Unlock()

	p.metrics.SetWatermark(p.Stream().String(), wm)
	p.logger.Info().Time("watermark", wm).Msg("Watermark loaded")
	return nil
}

// Watermark returns the in-memory watermark
func (p *Pipeline[R]) Watermark() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}

// State returns the current cycle state
func (p *Pipeline[R]) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline[R]) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Status reports the pipeline for health endpoints
func (p *Pipeline[R]) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Stream:    p.Stream(),
		State:     p.state.String(),
		Watermark: p.watermark,
		LastRun:   p.lastRun,
		LastRunID: p.lastRunID,
		Committed: p.lastCount,
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}

// RunCycle runs one incremental or forced cycle. Concurrent calls are
// serialized.
func (p *Pipeline[R]) RunCycle(ctx context.Context, opts RunOptions) (Report, error) {
	p.run.Lock()
	defer p.run.Unlock()

	p.mu.Lock()
	loaded := p.loaded
	p.mu.Unlock()
	if !loaded {
		return Report{Stream: p.Stream(), RunID: opts.RunID}, ErrNotLoaded
	}

	start := time.Now()
	var (
		report Report
		err    error
	)
	if opts.Force {
		report, err = p.runForce(ctx)
	} else {
		report, err = p.runIncremental(ctx)
	}
	p.setState(StateIdle)

	report.RunID = opts.RunID
	report.Stream = p.Stream()
	report.Force = opts.Force
	report.Duration = time.Since(start)

	p.finish(report, err)
	return report, err
}

func (p *Pipeline[R]) runIncremental(ctx context.Context) (Report, error) {
	wm := p.reloadWatermark(ctx)
	report := Report{Watermark: wm}

	p.setState(StateReading)
	records, err := p.reader.Pull(ctx, wm, p.batchSize, false)
	if err != nil {
		return report, fmt.Errorf("read: %w", err)
	}
	report.Pulled = len(records)
	if len(records) == 0 {
		return report, nil
	}

	p.setState(StateProjecting)
	res, projErr := p.projector.Project(ctx, records)
	report.Committed = res.Committed
	report.Skipped = res.Skipped

	if target, ok := advanceTarget(records, res.Handled, wm); ok {
		p.setState(StateAdvancing)
		if err := p.cursors.Set(ctx, p.Stream(), target); err != nil {
			// The batch is already committed; the next cycle replays it idempotently.
			p.metrics.RecordCursorFailure(p.Stream().String())
			p.logger.Warn().Err(err).Time("watermark", target).Msg("Cursor write failed, batch will be replayed")
		} else {
			p.mu.Lock()
			p.watermark = target
			p.mu.Unlock()
			report.Advanced = true
			report.Watermark = target
			p.metrics.SetWatermark(p.Stream().String(), target)
		}
	}

	if projErr != nil {
		return report, fmt.Errorf("project: %w", projErr)
	}
	return report, nil
}

// reloadWatermark adopts the stored cursor when it was changed outside this
// pipeline, e.g. by "cursor reset" while the engine runs. A read failure
// keeps the in-memory watermark.
func (p *Pipeline[R]) reloadWatermark(ctx context.Context) time.Time {
	wm := p.Watermark()
	stored, err := p.cursors.Get(ctx, p.Stream())
	if err != nil {
		p.logger.Warn().Err(err).Time("watermark", wm).Msg("Cursor read failed, keeping in-memory watermark")
		return wm
	}
	if stored.Equal(wm) {
		return wm
	}

	p.mu.Lock()
	p.watermark = stored
	p.mu.Unlock()
	p.metrics.SetWatermark(p.Stream().String(), stored)
	p.logger.Info().Time("previous", wm).Time("watermark", stored).Msg("Cursor changed externally, watermark reloaded")
	return stored
}

// advanceTarget picks the newest watermark that is safe to persist after the
// first handled records of a batch. When a batch stops early, records sharing
// a timestamp with the first unhandled record are held back so the strict
// greater-than read does not skip them.
func advanceTarget[R models.Record](records []R, handled int, current time.Time) (time.Time, bool) {
	if handled <= 0 {
		return time.Time{}, false
	}
	last := handled - 1
	if handled < len(records) {
		next := records[handled].Watermark()
		for last >= 0 && !records[last].Watermark().Before(next) {
			last--
		}
		if last < 0 {
			return time.Time{}, false
		}
	}
	target := records[last].Watermark()
	if !target.After(current) {
		return time.Time{}, false
	}
	return target, true
}

// runForce pages through the whole table from the beginning with a local
// watermark. The stored cursor and the in-memory watermark are not touched.
func (p *Pipeline[R]) runForce(ctx context.Context) (Report, error) {
	report := Report{Watermark: p.Watermark()}

	var local time.Time
	full := true
	for {
		p.setState(StateReading)
		records, err := p.reader.Pull(ctx, local, p.batchSize, full)
		if err != nil {
			return report, fmt.Errorf("read: %w", err)
		}
		report.Pulled += len(records)
		if len(records) == 0 {
			return report, nil
		}

		p.setState(StateProjecting)
		res, err := p.projector.Project(ctx, records)
		report.Committed += res.Committed
		report.Skipped += res.Skipped
		if err != nil {
			return report, fmt.Errorf("project: %w", err)
		}

		if len(records) < p.batchSize {
			return report, nil
		}
		next := records[len(records)-1].Watermark()
		if !full && !next.After(local) {
			p.logger.Warn().Time("watermark", next).Msg("Page does not advance, stopping forced run")
			return report, nil
		}
		local, full = next, false
	}
}

func (p *Pipeline[R]) finish(report Report, err error) {
	p.mu.Lock()
	p.lastRun = time.Now()
	p.lastRunID = report.RunID
	p.lastErr = err
	p.lastCount = report.Committed
	p.mu.Unlock()

	outcome := metrics.OutcomeOK
	switch {
	case err != nil && report.Committed > 0:
		outcome = metrics.OutcomePartial
	case err != nil:
		outcome = metrics.OutcomeFailed
	case report.Pulled == 0:
		outcome = metrics.OutcomeEmpty
	}
	p.metrics.RecordCycle(p.Stream().String(), outcome, report.Committed, report.Skipped, report.Duration)

	event := p.logger.Info()
	if err != nil {
		event = p.logger.Error().Err(err)
	} else if report.Pulled == 0 {
		event = p.logger.Debug()
	}
	event.
		Str("run_id", report.RunID).
		Bool("force", report.Force).
		Int("records", report.Pulled).
		Int("committed", report.Committed).
		Int("skipped", report.Skipped).
		Time("watermark", report.Watermark).
		Dur("elapsed", report.Duration).
		Msg("Cycle finished")
}
