package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadConfig_MergesEnvironmentOverlay(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
redis:
  addr: localhost:6379
`)
	writeFile(t, dir, "production.yaml", `
db:
  host: db.internal
`)

	cfgMap, err := LoadConfig("production", dir)
	require.NoError(t, err)

	var out struct {
		DB    DBConfig    `yaml:"db"`
		Redis RedisConfig `yaml:"redis"`
	}
	require.NoError(t, Decode(cfgMap, &out))

	assert.Equal(t, "db.internal", out.DB.Host)
	assert.Equal(t, 5432, out.DB.Port, "keys missing from the overlay keep base values")
	assert.Equal(t, "localhost:6379", out.Redis.Addr)
}

func TestLoadConfig_SubstitutesSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  password: ${DB_PASSWORD}
s3:
  bucket: uploads-${STAGE}
`)
	writeFile(t, dir, "secrets.env", "DB_PASSWORD=\"s3cr3t\"\nSTAGE=dev\n")

	cfgMap, err := LoadConfig("local", dir)
	require.NoError(t, err)

	var out struct {
		DB DBConfig `yaml:"db"`
		S3 S3Config `yaml:"s3"`
	}
	require.NoError(t, Decode(cfgMap, &out))

	assert.Equal(t, "s3cr3t", out.DB.Password)
	assert.Equal(t, "uploads-dev", out.S3.Bucket)
}

func TestLoadConfig_MissingBase(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	require.Error(t, err)
}

func TestOverrideRedisFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("REDIS_DB", "2")

	cfg := RedisConfig{Addr: "localhost:6379"}
	OverrideRedisFromEnv(&cfg)

	assert.Equal(t, "cache:6380", cfg.Addr)
	assert.Equal(t, 2, cfg.DB)
}
