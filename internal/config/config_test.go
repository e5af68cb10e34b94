package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsOverlayAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(`
db:
  host: localhost
  port: 5432
  password: ${DB_SECRET}
quota:
  daily_limit: 50
worker:
  pool_size: 2
  pacing_min: 2m
  pacing_max: 5m
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "staging.yaml"), []byte(`
worker:
  pool_size: 8
  backoff_base: 1m
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.env"), []byte("DB_SECRET=s3cret\n"), 0o600))

	t.Setenv("CONFIG_DIR", dir)
	t.Setenv("CONFIG_ENV", "staging")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.DB.Password)
	assert.Equal(t, 8, cfg.Worker.PoolSize)
	assert.Equal(t, time.Minute, cfg.Worker.BackoffBase)
	assert.Equal(t, 2*time.Minute, cfg.Worker.PacingMin)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts, "defaults survive partial sections")
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, "Asia/Kolkata", cfg.Quota.Timezone)
	assert.Equal(t, time.Hour, cfg.Cache.AttachmentTTL)
}
