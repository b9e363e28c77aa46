package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Ledger.Driver)
	assert.Equal(t, 30*time.Second, cfg.Lease.TTL)
	assert.Equal(t, 10, cfg.Engine.MaxConcurrentRuns)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stepflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":8080"
ledger:
  driver: postgres
  postgres_dsn: postgres://localhost/stepflow
engine:
  scheduler_interval: 250ms
log:
  level: debug
`), 0o600))

	t.Setenv("STEPFLOW_ADDR", ":9090")
	t.Setenv("STEPFLOW_LEASE_TTL", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr, "environment overrides the file")
	assert.Equal(t, DriverPostgres, cfg.Ledger.Driver)
	assert.Equal(t, "postgres://localhost/stepflow", cfg.Ledger.PostgresDSN)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.SchedulerInterval)
	assert.Equal(t, 45*time.Second, cfg.Lease.TTL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5*time.Minute, cfg.Engine.StaleAfter, "unset keys keep defaults")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Ledger.Driver = "sqlite" },
			wantErr: "unknown ledger driver",
		},
		{
			name: "postgres without dsn",
			mutate: func(c *Config) {
				c.Ledger.Driver = DriverPostgres
				c.Ledger.PostgresDSN = ""
			},
			wantErr: "postgres_dsn",
		},
		{
			name: "dynamodb without table",
			mutate: func(c *Config) {
				c.Ledger.Driver = DriverDynamoDB
				c.Ledger.DynamoTable = ""
			},
			wantErr: "dynamo_table",
		},
		{
			name:    "zero lease ttl",
			mutate:  func(c *Config) { c.Lease.TTL = 0 },
			wantErr: "lease.ttl",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
