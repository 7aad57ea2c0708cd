// Package conn owns the named connection slots shared by every stream worker.
//
// Each slot moves through Closed -> Connecting -> Open. Acquire hands out a
// health-checked connection and reconnects a broken one synchronously, with a
// bounded number of attempts. Reconnects on the same slot are serialized by
// the slot's mutex, so concurrent callers probing a dead connection trigger
// a single dial.
package conn

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ha1tch/ledgersync/pkg/syncerr"
)

// Well-known slot names
const (
	SlotGatewayPrimary = "gateway-primary"
	SlotGatewayReplica = "gateway-replica"
	SlotSwitch         = "switch"
	SlotGraph          = "graph"
	SlotCache          = "cache"
)

// Conn is a live connection held by a slot
type Conn interface {
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a new connection for a slot
type Dialer func(ctx context.Context) (Conn, error)

// State is a slot's lifecycle state
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// Options tunes reconnect behaviour
type Options struct {
	Attempts            int
	Backoff             time.Duration
	HealthCheckInterval time.Duration // skip the ping when checked more recently than this
}

type slot struct {
	name      string
	dial      Dialer
	mu        sync.Mutex
	state     State
	conn      Conn
	checkedAt time.Time
	lastErr   error
}

// Manager holds the named connection slots
type Manager struct {
	mu     sync.RWMutex
	slots  map[string]*slot
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates an empty manager
func NewManager(opts Options, logger zerolog.Logger) *Manager {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	return &Manager{
		slots:  make(map[string]*slot),
		opts:   opts,
		logger: logger.With().Str("component", "conn").Logger(),
		now:    time.Now,
	}
}

// Register adds a slot. The connection is established lazily on first Acquire.
func (m *Manager) Register(name string, dial Dialer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, exists := m.slots[name]; exists {
		old.mu.Lock()
		if old.conn != nil {
			old.conn.Close()
		}
		old.mu.Unlock()
	}
	m.slots[name] = &slot{name: name, dial: dial, state: StateClosed}
}

func (m *Manager) slot(name string) (*slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.slots[name]
	if !ok {
		return nil, syncerr.Connectivity(name, fmt.Errorf("slot not registered"))
	}
	return s, nil
}

// Acquire returns a live connection for the named slot, reconnecting if the
// cached one is closed or fails its health check
func (m *Manager) Acquire(ctx context.Context, name string) (Conn, error) {
	s, err := m.slot(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateOpen && s.conn != nil {
		if m.opts.HealthCheckInterval > 0 && m.now().Sub(s.checkedAt) < m.opts.HealthCheckInterval {
			return s.conn, nil
		}
		err := s.conn.Ping(ctx)
		if err == nil {
			s.checkedAt = m.now()
			return s.conn, nil
		}
		m.logger.Warn().Err(err).Str("slot", name).Msg("Health check failed, reconnecting")
		s.reset(err)
	}

	return m.connect(ctx, s)
}

// connect dials the slot. Caller holds s.mu.
func (m *Manager) connect(ctx context.Context, s *slot) (Conn, error) {
	s.state = StateConnecting

	var lastErr error
	for attempt := 1; attempt <= m.opts.Attempts; attempt++ {
		if attempt > 1 && m.opts.Backoff > 0 {
			select {
			case <-time.After(m.opts.Backoff):
			case <-ctx.Done():
				s.state = StateClosed
				s.lastErr = ctx.Err()
				return nil, syncerr.Connectivity(s.name, ctx.Err())
			}
		}

		c, err := s.dial(ctx)
		if err == nil {
			err = c.Ping(ctx)
			if err != nil {
				c.Close()
			}
		}
		if err == nil {
			s.conn = c
			s.state = StateOpen
			s.checkedAt = m.now()
			s.lastErr = nil
			m.logger.Info().Str("slot", s.name).Int("attempt", attempt).Msg("Connected")
			return c, nil
		}

		lastErr = err
		m.logger.Warn().Err(err).Str("slot", s.name).Int("attempt", attempt).Msg("Connect attempt failed")
	}

	s.state = StateClosed
	s.lastErr = lastErr
	return nil, syncerr.Connectivity(s.name, lastErr)
}

// reset closes the slot's connection. Caller holds s.mu.
func (s *slot) reset(cause error) {
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.state = StateClosed
	s.lastErr = cause
}

// Invalidate marks a slot broken so the next Acquire reconnects
func (m *Manager) Invalidate(name string, cause error) {
	s, err := m.slot(name)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateClosed {
		m.logger.Warn().Err(cause).Str("slot", name).Msg("Connection invalidated")
	}
	s.reset(cause)
}

// State returns the slot's current state
func (m *Manager) State(name string) State {
	s, err := m.slot(name)
	if err != nil {
		return StateClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SlotStatus describes one slot for health reporting
type SlotStatus struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

// Status reports every slot, sorted by name
func (m *Manager) Status() []SlotStatus {
	m.mu.RLock()
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.RUnlock()

	out := make([]SlotStatus, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		st := SlotStatus{Name: s.name, State: s.state.String()}
		if s.lastErr != nil {
			st.LastError = s.lastErr.Error()
		}
		s.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close releases every slot
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, s := range m.slots {
		s.mu.Lock()
		if s.conn != nil {
			if err := s.conn.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to close %s: %w", name, err)
			}
		}
		s.conn = nil
		s.state = StateClosed
		s.mu.Unlock()
	}
	return firstErr
}
