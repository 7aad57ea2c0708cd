package cursor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Options configures a cursor backend
type Options struct {
	Path  string    // file or directory for sqlite, jsonfile and badger
	Epoch time.Time // watermark for streams without a cursor

	// Redis returns the client for the redis backend
	Redis func(ctx context.Context) (*redis.Client, error)

	// InMemory runs badger without touching disk (tests only)
	InMemory bool
}

// BackendFactory creates a Backend from options
type BackendFactory func(opts Options) (Backend, error)

var (
	backendMu       sync.RWMutex
	backendRegistry = make(map[string]BackendFactory)
)

// RegisterBackend registers a backend implementation
func RegisterBackend(name string, factory BackendFactory) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backendRegistry[name] = factory
}

// New creates a cursor store backed by the named backend
func New(name string, opts Options) (*KVStore, error) {
	backendMu.RLock()
	factory, exists := backendRegistry[name]
	backendMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown cursor backend: %s", name)
	}

	backend, err := factory(opts)
	if err != nil {
		return nil, err
	}
	return NewKVStore(backend, opts.Epoch), nil
}

// ListBackends returns all registered backend names
func ListBackends() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()

	names := make([]string, 0, len(backendRegistry))
	for name := range backendRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterBackend("redis", func(opts Options) (Backend, error) {
		if opts.Redis == nil {
			return nil, fmt.Errorf("redis cursor backend requires a client provider")
		}
		return NewRedisBackend(opts.Redis), nil
	})

	RegisterBackend("sqlite", func(opts Options) (Backend, error) {
		path := opts.Path
		if path == "" {
			path = "ledgersync-cursors.db"
		}
		return NewSQLiteBackend(path)
	})

	RegisterBackend("jsonfile", func(opts Options) (Backend, error) {
		path := opts.Path
		if path == "" {
			path = "ledgersync-cursors.json"
		}
		return NewJSONFileBackend(path)
	})

	RegisterBackend("badger", func(opts Options) (Backend, error) {
		return NewBadgerBackend(opts.Path, opts.InMemory)
	})
}
