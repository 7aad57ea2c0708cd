package cursor

import (
	"context"
	"time"

	"github.com/ha1tch/ledgersync/pkg/models"
	"github.com/ha1tch/ledgersync/pkg/syncerr"
)

// Lookup returns the stored watermark and whether one exists
func (s *KVStore) Lookup(ctx context.Context, stream models.Stream) (time.Time, bool, error) {
	raw, found, err := s.backend.Load(ctx, stream.CursorKey())
	if err != nil {
		return time.Time{}, false, syncerr.Persistence("get", stream.String(), err)
	}
	if !found {
		return time.Time{}, false, nil
	}
	t, err := ParseWatermark(raw)
	if err != nil {
		return time.Time{}, false, syncerr.Persistence("get", stream.String(), err)
	}
	return t, true, nil
}

// Migrate copies every stored watermark for streams from src to dst.
// Streams without a cursor in src are left untouched in dst.
func Migrate(ctx context.Context, src *KVStore, dst Store, streams []models.Stream) (int, error) {
	copied := 0
	for _, stream := range streams {
		t, found, err := src.Lookup(ctx, stream)
		if err != nil {
			return copied, err
		}
		if !found {
			continue
		}
		if err := dst.Set(ctx, stream, t); err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}
