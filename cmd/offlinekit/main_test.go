package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateHome keeps ~/.offlinekit under a temp dir.
func isolateHome(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
}

func TestSetConfigValue(t *testing.T) {
	isolateHome(t)
	cfg := defaultConfig()

	require.NoError(t, setConfigValue(cfg, "sync.url", "wss://sync.example.com/ws"))
	require.NoError(t, setConfigValue(cfg, "cache.max_size", "250"))
	require.NoError(t, setConfigValue(cfg, "cache.default_ttl", "10m"))
	require.NoError(t, setConfigValue(cfg, "storage.type", "mysql"))
	require.NoError(t, setConfigValue(cfg, "queue.action_types", "orders.create, orders.update,,"))
	require.NoError(t, setConfigValue(cfg, "scheduler.enabled", "false"))

	assert.Equal(t, "wss://sync.example.com/ws", cfg.Sync.URL)
	assert.Equal(t, 250, cfg.Cache.MaxSize)
	assert.Equal(t, "10m", cfg.Cache.DefaultTTL)
	assert.Equal(t, "mysql", cfg.Storage.Type)
	assert.Equal(t, []string{"orders.create", "orders.update"}, cfg.Queue.ActionTypes)
	assert.False(t, cfg.Scheduler.Enabled)

	for _, tc := range []struct{ key, value string }{
		{"url", "x"},
		{"nosuch.field", "x"},
		{"sync.nosuch", "x"},
		{"cache.max_size", "-1"},
		{"cache.default_ttl", "soon"},
		{"storage.type", "redis"},
		{"scheduler.enabled", "maybe"},
		{"sync.max_reconnect_attempts", "zero"},
	} {
		assert.Error(t, setConfigValue(cfg, tc.key, tc.value), tc.key)
	}
}

func TestServiceConfig(t *testing.T) {
	svc, err := serviceConfig(ServiceEntry{
		Name:              "maps",
		BaseURL:           "https://maps.example.com",
		RateLimitRequests: 10,
		RateLimitWindow:   "1s",
		CacheTTL:          "1h",
		CacheTags:         []string{"geo"},
	})
	require.NoError(t, err)
	assert.Equal(t, 10, svc.RateLimit.Requests)
	assert.Equal(t, time.Second, svc.RateLimit.Window)
	assert.Equal(t, time.Hour, svc.CachePolicy.TTL)
	assert.Equal(t, []string{"geo"}, svc.CachePolicy.Tags)
	assert.Zero(t, svc.Timeout)

	_, err = serviceConfig(ServiceEntry{BaseURL: "https://x"})
	assert.Error(t, err)
	_, err = serviceConfig(ServiceEntry{Name: "x", Timeout: "fast"})
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("k", "")
	require.NoError(t, err)
	assert.Zero(t, d)
	d, err = parseDuration("k", "1m30s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
	_, err = parseDuration("k", "later")
	assert.ErrorContains(t, err, "k:")
}

func TestConfigRoundTrip(t *testing.T) {
	isolateHome(t)
	cfgFile = filepath.Join(t.TempDir(), "config.toml")
	t.Cleanup(func() { cfgFile = "" })

	cfg, err := readConfigFile()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7420", cfg.Admin.Addr)

	require.NoError(t, setConfigValue(cfg, "admin.addr", "127.0.0.1:9000"))
	cfg.Services = []ServiceEntry{{Name: "maps", BaseURL: "https://maps.example.com", RateLimitRequests: 5, RateLimitWindow: "1s"}}
	require.NoError(t, saveConfig(cfg))

	info, err := os.Stat(cfgFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", loaded.Admin.Addr)
	assert.Equal(t, 100, loaded.Cache.MaxSize)
	require.Len(t, loaded.Services, 1)
	assert.Equal(t, 5, loaded.Services[0].RateLimitRequests)

	t.Setenv("OFFLINEKIT_SYNC_URL", "ws://env-override")
	loaded, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "ws://env-override", loaded.Sync.URL)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "abcd...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "fallback", valueOrDefault("", "fallback"))
}
