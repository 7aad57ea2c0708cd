package cursor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/ledgersync/pkg/cursor"
	"github.com/ha1tch/ledgersync/pkg/models"
	"github.com/ha1tch/ledgersync/pkg/syncerr"
)

var epoch = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func openStore(t *testing.T, backend string) *cursor.KVStore {
	t.Helper()
	dir := t.TempDir()

	opts := cursor.Options{Epoch: epoch}
	switch backend {
	case "sqlite":
		opts.Path = filepath.Join(dir, "cursors.db")
	case "jsonfile":
		opts.Path = filepath.Join(dir, "cursors.json")
	case "badger":
		opts.InMemory = true
	case "redis":
		addr := os.Getenv("LEDGERSYNC_TEST_REDIS")
		if addr == "" {
			t.Skip("LEDGERSYNC_TEST_REDIS not set")
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
		t.Cleanup(func() { client.Close() })
		require.NoError(t, client.FlushDB(context.Background()).Err())
		opts.Redis = func(ctx context.Context) (*redis.Client, error) { return client, nil }
	}

	store, err := cursor.New(backend, opts)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_Contract(t *testing.T) {
	for _, backend := range []string{"sqlite", "jsonfile", "badger", "redis"} {
		t.Run(backend, func(t *testing.T) {
			store := openStore(t, backend)
			ctx := context.Background()

			t.Run("absent cursor resolves to epoch", func(t *testing.T) {
				got, err := store.Get(ctx, models.StreamUsers)
				require.NoError(t, err)
				assert.True(t, epoch.Equal(got))
			})

			t.Run("set then get", func(t *testing.T) {
				wm := time.Date(2024, 3, 9, 14, 2, 11, 123456000, time.UTC)
				require.NoError(t, store.Set(ctx, models.StreamTransactions, wm))

				got, err := store.Get(ctx, models.StreamTransactions)
				require.NoError(t, err)
				assert.True(t, wm.Equal(got), "got %v", got)

				// streams are independent
				other, err := store.Get(ctx, models.StreamDevices)
				require.NoError(t, err)
				assert.True(t, epoch.Equal(other))
			})

			t.Run("overwrite", func(t *testing.T) {
				first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
				second := first.Add(time.Hour)
				require.NoError(t, store.Set(ctx, models.StreamDevices, first))
				require.NoError(t, store.Set(ctx, models.StreamDevices, second))

				got, err := store.Get(ctx, models.StreamDevices)
				require.NoError(t, err)
				assert.True(t, second.Equal(got))
			})

			t.Run("reset returns epoch", func(t *testing.T) {
				require.NoError(t, store.Set(ctx, models.StreamUsers, time.Now()))
				require.NoError(t, store.Reset(ctx, models.StreamUsers))

				got, err := store.Get(ctx, models.StreamUsers)
				require.NoError(t, err)
				assert.True(t, epoch.Equal(got))

				// resetting an absent cursor is fine
				require.NoError(t, store.Reset(ctx, models.StreamUsers))
			})
		})
	}
}

func TestJSONFile_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cursors.json")
	wm := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

	store, err := cursor.New("jsonfile", cursor.Options{Path: path, Epoch: epoch})
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), models.StreamUsers, wm))
	require.NoError(t, store.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sync:users": "2024-06-01 08:30:00"`)

	reopened, err := cursor.New("jsonfile", cursor.Options{Path: path, Epoch: epoch})
	require.NoError(t, err)
	got, err := reopened.Get(context.Background(), models.StreamUsers)
	require.NoError(t, err)
	assert.True(t, wm.Equal(got))
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.db")
	wm := time.Date(2024, 6, 1, 8, 30, 0, 5000, time.UTC)

	store, err := cursor.New("sqlite", cursor.Options{Path: path, Epoch: epoch})
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), models.StreamTransactions, wm))
	require.NoError(t, store.Close())

	reopened, err := cursor.New("sqlite", cursor.Options{Path: path, Epoch: epoch})
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), models.StreamTransactions)
	require.NoError(t, err)
	assert.True(t, wm.Equal(got))
}

type brokenBackend struct{ value string }

func (b brokenBackend) Load(ctx context.Context, key string) (string, bool, error) {
	if b.value != "" {
		return b.value, true, nil
	}
	return "", false, errors.New("i/o timeout")
}
func (b brokenBackend) Save(ctx context.Context, key, value string) error {
	return errors.New("read-only")
}
func (b brokenBackend) Delete(ctx context.Context, key string) error { return nil }
func (b brokenBackend) Close() error                                  { return nil }

func TestKVStore_FailuresArePersistenceErrors(t *testing.T) {
	ctx := context.Background()

	store := cursor.NewKVStore(brokenBackend{}, epoch)
	_, err := store.Get(ctx, models.StreamUsers)
	require.Error(t, err)
	var pe *syncerr.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "get", pe.Op)
	assert.Equal(t, "users", pe.Stream)

	err = store.Set(ctx, models.StreamUsers, time.Now())
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "set", pe.Op)

	// a corrupt value is never replaced by a guess
	corrupt := cursor.NewKVStore(brokenBackend{value: "not-a-time"}, epoch)
	_, err = corrupt.Get(ctx, models.StreamUsers)
	assert.True(t, syncerr.IsPersistence(err))
}

func TestParseWatermark(t *testing.T) {
	cases := map[string]time.Time{
		"2023-01-01 00:00:00":         epoch,
		"2024-02-03 04:05:06.789":     time.Date(2024, 2, 3, 4, 5, 6, 789000000, time.UTC),
		"2024-02-03T04:05:06Z":        time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC),
		"2024-02-03T09:35:06.5+05:30": time.Date(2024, 2, 3, 4, 5, 6, 500000000, time.UTC),
	}
	for raw, want := range cases {
		got, err := cursor.ParseWatermark(raw)
		require.NoError(t, err, raw)
		assert.True(t, want.Equal(got), "%s -> %v", raw, got)
	}

	_, err := cursor.ParseWatermark("")
	assert.Error(t, err)
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := cursor.New("etcd", cursor.Options{})
	assert.Error(t, err)
	assert.Contains(t, cursor.ListBackends(), "badger")
}

func TestRedisBackend_RequiresClient(t *testing.T) {
	_, err := cursor.New("redis", cursor.Options{Epoch: epoch})
	assert.Error(t, err)
}
