package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, "5432", cfg.Database.Port)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5*time.Second, cfg.Database.LockTimeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, EventsSinkNone, cfg.Events.Sink)
	assert.Equal(t, StorageDriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("DATABASE_LOCK_TIMEOUT", "750ms")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("EVENTS_SINK", "Kafka")
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("PORT", "9090")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 750*time.Millisecond, cfg.Database.LockTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, EventsSinkKafka, cfg.Events.Sink)
	assert.Equal(t, StorageDriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "9090", cfg.Server.Port)
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DATABASE_NAME=ledger_test\nREDIS_PORT=6380\nEVENTS_SINK=redis\n"), 0o600))
	t.Setenv("REDIS_PORT", "6390")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "ledger_test", cfg.Database.Name)
	assert.Equal(t, EventsSinkRedis, cfg.Events.Sink)
	// The environment beats the file.
	assert.Equal(t, "6390", cfg.Redis.Port)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }, "unknown storage driver"},
		{"unknown sink", func(c *Config) { c.Events.Sink = "nats" }, "unknown events sink"},
		{"kafka without topic", func(c *Config) { c.Events.Sink = EventsSinkKafka; c.Kafka.Topic = "" }, "kafka events sink"},
		{"negative lock timeout", func(c *Config) { c.Database.LockTimeout = -time.Second }, "lock_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(viper.New(), "")
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
