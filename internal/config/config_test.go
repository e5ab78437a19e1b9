package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithEnvSecret(t *testing.T) {
	t.Setenv("TRIAL_AUTH_JWT_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "data/trial.db", cfg.Database.DSN)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 4, cfg.Sync.QueueWorkers)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trial.yaml")
	content := `
server:
  addr: ":9090"
database:
  driver: postgres
  dsn: "host=localhost user=trial dbname=trial"
auth:
  jwt_secret: from-file
  token_ttl: 2h
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("TRIAL_LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, 2*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, "warn", cfg.Logging.Level, "env must win over the file")
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout, "untouched fields keep defaults")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"ok", func(c *Config) {}, false},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, true},
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }, true},
		{"sheets without spreadsheet", func(c *Config) { c.Sheets.Enabled = true }, true},
		{"no queue workers", func(c *Config) { c.Sync.QueueWorkers = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.JWTSecret = "x"
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
