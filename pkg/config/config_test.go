package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ha1tch/ledgersync/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2*time.Second, cfg.SyncInterval)
	assert.Equal(t, 1000, cfg.BatchSize)
	assert.Equal(t, 0.50, cfg.RiskThreshold)
	assert.Equal(t, 100.0, cfg.RiskScale)

	epoch, err := cfg.Epoch()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), epoch)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "5s")
	t.Setenv("BATCH_SIZE", "250")
	t.Setenv("CURSOR_TYPE", "badger")
	t.Setenv("SYNC_STREAMS", "users, transactions")
	t.Setenv("RISK_THRESHOLD", "0.7")
	t.Setenv("PHONE_PREFIX", "")

	cfg := config.Default()
	config.LoadFromEnv(cfg)

	assert.Equal(t, 5*time.Second, cfg.SyncInterval)
	assert.Equal(t, 250, cfg.BatchSize)
	assert.Equal(t, "badger", cfg.CursorType)
	assert.Equal(t, []string{"users", "transactions"}, cfg.Streams)
	assert.Equal(t, 0.7, cfg.RiskThreshold)
	assert.Equal(t, "", cfg.PhonePrefix)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgersync.yaml")
	yamlData := `
graph_type: memory
cache_type: memory
cursor_type: jsonfile
cursor_path: /tmp/cursors.json
sync_interval: 10s
gateway_replica_dsn: "host=replica dbname=gateway_db"
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0644))

	cfg := config.Default()
	require.NoError(t, config.LoadFile(path, cfg))

	assert.Equal(t, "memory", cfg.GraphType)
	assert.Equal(t, "jsonfile", cfg.CursorType)
	assert.Equal(t, 10*time.Second, cfg.SyncInterval)
	assert.Equal(t, "host=replica dbname=gateway_db", cfg.ReplicaDSN())
	// untouched keys keep their defaults
	assert.Equal(t, 1000, cfg.BatchSize)
	require.NoError(t, cfg.Validate())
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*config.Config){
		"bad graph":     func(c *config.Config) { c.GraphType = "arangodb" },
		"bad cursor":    func(c *config.Config) { c.CursorType = "etcd" },
		"zero batch":    func(c *config.Config) { c.BatchSize = 0 },
		"bad threshold": func(c *config.Config) { c.RiskThreshold = 1.5 },
		"bad epoch":     func(c *config.Config) { c.CursorEpoch = "yesterday" },
		"no dsn":        func(c *config.Config) { c.SwitchDSN = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestReplicaDSN_FallsBackToPrimary(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, cfg.GatewayDSN, cfg.ReplicaDSN())
}
