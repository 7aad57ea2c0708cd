// Package cursor persists per-stream watermarks.
//
// A Store answers one question: where did a stream leave off. Absent keys
// resolve to the configured epoch. Every backend failure surfaces as a
// *syncerr.PersistenceError; stores never guess a value on error.
package cursor

import (
	"context"
	"fmt"
	"time"

	"github.com/ha1tch/ledgersync/pkg/models"
	"github.com/ha1tch/ledgersync/pkg/syncerr"
)

// TimeLayout is the persisted watermark format (always UTC)
const TimeLayout = "2006-01-02 15:04:05.999999999"

// Store defines watermark persistence
type Store interface {
	Get(ctx context.Context, stream models.Stream) (time.Time, error)
	Set(ctx context.Context, stream models.Stream, watermark time.Time) error
	Reset(ctx context.Context, stream models.Stream) error
	Close() error
}

// Backend is a string key-value store holding "sync:<stream>" keys
type Backend interface {
	Load(ctx context.Context, key string) (value string, found bool, err error)
	Save(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// KVStore implements Store over a Backend
type KVStore struct {
	backend Backend
	epoch   time.Time
}

// NewKVStore wraps a backend with watermark encoding and the epoch default
func NewKVStore(backend Backend, epoch time.Time) *KVStore {
	return &KVStore{backend: backend, epoch: epoch.UTC()}
}

// Get returns the stream's watermark, or the epoch when none is stored
func (s *KVStore) Get(ctx context.Context, stream models.Stream) (time.Time, error) {
	t, found, err := s.Lookup(ctx, stream)
	if err != nil {
		return time.Time{}, err
	}
	if !found {
		return s.epoch, nil
	}
	return t, nil
}

// Set stores the stream's watermark
func (s *KVStore) Set(ctx context.Context, stream models.Stream, watermark time.Time) error {
	if err := s.backend.Save(ctx, stream.CursorKey(), FormatWatermark(watermark)); err != nil {
		return syncerr.Persistence("set", stream.String(), err)
	}
	return nil
}

// Reset clears the stream's watermark, forcing a full re-read
func (s *KVStore) Reset(ctx context.Context, stream models.Stream) error {
	if err := s.backend.Delete(ctx, stream.CursorKey()); err != nil {
		return syncerr.Persistence("reset", stream.String(), err)
	}
	return nil
}

// Close closes the backend
func (s *KVStore) Close() error {
	return s.backend.Close()
}

// FormatWatermark encodes a watermark for persistence
func FormatWatermark(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseWatermark decodes a persisted watermark
func ParseWatermark(raw string) (time.Time, error) {
	for _, layout := range []string{TimeLayout, time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("malformed watermark %q", raw)
}
