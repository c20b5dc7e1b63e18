package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("remote:\n  base_url: http://127.0.0.1:8080/rest/2.0/xpan\n"))
	require.NoError(t, err)

	assert.Equal(t, cfg.Remote.BaseURL, cfg.Remote.UploadURL)
	assert.Equal(t, 60*time.Second, cfg.Remote.TimeoutDuration)
	assert.Equal(t, time.Duration(0), cfg.Cache.ListingTTLDuration)
	assert.Equal(t, int64(256<<20), cfg.Cache.PreviewMaxBytes)
	assert.Equal(t, 3, cfg.Upload.Concurrency)
	assert.Equal(t, 3, cfg.Upload.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Upload.InitialBackoffDuration)
	assert.Equal(t, 10*time.Second, cfg.Upload.MaxBackoffDuration)
	assert.Equal(t, 5*time.Second, cfg.Upload.SpeedWindowDuration)
	assert.Equal(t, 4, cfg.Batch.Concurrency)
	assert.Equal(t, "info", cfg.System.LogLevel)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
remote:
  base_url: https://pan.example.com/rest/2.0/xpan
  upload_url: https://d.pan.example.com/rest/2.0/pcs
  access_token: tok
  requests_per_second: 8
cache:
  listing_ttl: 30s
  preview_max_bytes: 1048576
upload:
  concurrency: 2
  max_attempts: 5
  initial_backoff: 1s
  max_backoff: 1m
batch:
  concurrency: 8
system:
  log_format: json
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://d.pan.example.com/rest/2.0/pcs", cfg.Remote.UploadURL)
	assert.Equal(t, 8.0, cfg.Remote.RequestsPerSecond)
	assert.Equal(t, 30*time.Second, cfg.Cache.ListingTTLDuration)
	assert.Equal(t, int64(1<<20), cfg.Cache.PreviewMaxBytes)
	assert.Equal(t, 2, cfg.Upload.Concurrency)
	assert.Equal(t, 5, cfg.Upload.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Upload.MaxBackoffDuration)
	assert.Equal(t, 8, cfg.Batch.Concurrency)
	assert.Equal(t, "json", cfg.System.LogFormat)
}

func TestParseErrors(t *testing.T) {
	for _, data := range []string{
		"remote: [",
		"cache:\n  listing_ttl: 1m\n",
		"remote:\n  base_url: http://x\ncache:\n  listing_ttl: soon\n",
		"remote:\n  base_url: http://x\ncache:\n  listing_ttl: -1s\n",
		"remote:\n  base_url: http://x\nupload:\n  initial_backoff: 5s\n  max_backoff: 1s\n",
	} {
		_, err := Parse([]byte(data))
		assert.Error(t, err, data)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
