package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"REPORTQ_API_URL", "REPORTQ_DATA_DIR", "REPORTQ_LOG_LEVEL", "REPORTQ_MAX_ATTEMPTS", "REPORTQ_TOKEN", "REPORTQ_GEOCODER_API_KEY"} {
		t.Setenv(k, "")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultAPIURL, cfg.URL())
	assert.Equal(t, 5, cfg.MaxAttempts())
	assert.True(t, cfg.RequireAttribution())
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 60*time.Second, cfg.StaleAfter())
	assert.Equal(t, 30*time.Second, cfg.ProbeInterval())
	assert.Equal(t, 5*time.Second, cfg.ProbeTimeout())
	assert.Equal(t, 2, cfg.Confirmations())
}

func TestLoad_FileValues(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yml")
	yml := `api_url: https://api.example.com
data_dir: /var/lib/reportq
sync:
  max_attempts: 0
  request_timeout: 10s
  require_attribution: false
connectivity:
  interval: 1m
  confirmations: 3
s3:
  bucket: photos
  region: ap-southeast-2
geocoder:
  url: https://geo.example.com
  api_key: file-key
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.URL())
	assert.Equal(t, 0, cfg.MaxAttempts())
	assert.False(t, cfg.RequireAttribution())
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout())
	assert.Equal(t, time.Minute, cfg.ProbeInterval())
	assert.Equal(t, 3, cfg.Confirmations())
	assert.Equal(t, "photos", cfg.S3.Bucket)
	assert.Equal(t, "https://geo.example.com", cfg.Geocoder.URL)
	assert.Equal(t, "file-key", cfg.Geocoder.APIKey)

	dir, err := cfg.ResolveDataDir()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/reportq", dir)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("api_url: https://file.example.com\n"), 0644))

	t.Setenv("REPORTQ_API_URL", "https://env.example.com")
	t.Setenv("REPORTQ_MAX_ATTEMPTS", "9")
	t.Setenv("REPORTQ_GEOCODER_API_KEY", "env-key")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.URL())
	assert.Equal(t, 9, cfg.MaxAttempts())
	assert.Equal(t, "env-key", cfg.Geocoder.APIKey)
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		yml  string
	}{
		{"bad duration", "sync:\n  request_timeout: soon\n"},
		{"negative duration", "connectivity:\n  interval: -5s\n"},
		{"negative attempts", "sync:\n  max_attempts: -1\n"},
		{"not yaml", "sync: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yml), 0644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yml")
	attempts := 7
	cfg := &Config{APIURL: "https://api.example.com", Sync: SyncConfig{MaxAttempts: &attempts}}

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", loaded.APIURL)
	assert.Equal(t, 7, loaded.MaxAttempts())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file should be renamed away")
}

func TestHosts(t *testing.T) {
	clearEnv(t)
	path := HostsPath(filepath.Join(t.TempDir(), "config.yml"))

	hosts, err := LoadHosts(path)
	require.NoError(t, err)
	assert.Empty(t, hosts)

	hosts["https://api.example.com"] = Host{Token: "tok", UserID: "u-1"}
	require.NoError(t, SaveHosts(path, hosts))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	token, err := Token(path, "https://api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "tok", token)

	token, err = Token(path, "https://other.example.com")
	require.NoError(t, err)
	assert.Empty(t, token)

	t.Setenv("REPORTQ_TOKEN", "env-tok")
	token, err = Token(path, "https://api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "env-tok", token)
}
