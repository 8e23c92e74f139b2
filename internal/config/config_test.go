package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 100, cfg.SnapshotInterval)
	assert.Equal(t, 4, cfg.CommandMaxRetries)
	assert.Equal(t, 500, cfg.ProjectionBatchSize)
	assert.Equal(t, time.Second, cfg.ProjectionPollInterval)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.AdminEnabled())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("EVENT_STORE_BACKEND", "sqlite")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("SNAPSHOT_INTERVAL", "25")
	t.Setenv("PROJECTION_BACKOFF_BASE", "250ms")
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("ADMIN_PASSWORD_HASH", "$2a$12$abcdefghijklmnopqrstuv")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.StoreBackend)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 25, cfg.SnapshotInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.ProjectionBackoffBase)
	assert.True(t, cfg.AdminEnabled())
}

func TestLoad_InvalidBackend(t *testing.T) {
	t.Setenv("EVENT_STORE_BACKEND", "cassandra")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "negative snapshot interval", mutate: func(c *Config) { c.SnapshotInterval = -1 }, wantErr: true},
		{name: "zero batch size", mutate: func(c *Config) { c.ProjectionBatchSize = 0 }, wantErr: true},
		{name: "zero attempts", mutate: func(c *Config) { c.ProjectionMaxAttempts = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				StoreBackend:          BackendMemory,
				SnapshotInterval:      10,
				ProjectionBatchSize:   10,
				ProjectionMaxAttempts: 3,
			}
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
