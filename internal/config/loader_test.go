package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, StorageDriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, 4326, cfg.Ingestion.SRID)
	assert.Equal(t, "code", cfg.Ingestion.SiteKeyField)
	assert.Equal(t, 10*time.Second, cfg.Species.Timeout)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadReadsYAMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
database:
  host: db.internal
  port: 6543
storage:
  driver: memory
ingestion:
  default_timezone: Australia/Perth
  site_key_field: name
species:
  base_url: http://species.local/names
  cache_ttl: 5m
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))
	t.Setenv("BIOSURVEY_DATABASE_USER", "surveyor")
	t.Setenv("BIOSURVEY_SERVER_ADDR", ":9090")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "surveyor", cfg.Database.User)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, StorageDriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "name", cfg.Ingestion.SiteKeyField)
	assert.Equal(t, 5*time.Minute, cfg.Species.CacheTTL)

	loc, err := cfg.Ingestion.Location()
	require.NoError(t, err)
	assert.Equal(t, "Australia/Perth", loc.String())
}

func TestValidateRejectsUnknownDriverAndTimezone(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	bad := cfg
	bad.Storage.Driver = "sqlite"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Ingestion.DefaultTimezone = "Mars/Olympus"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Ingestion.SiteKeyField = "latitude"
	assert.Error(t, bad.Validate())
}
