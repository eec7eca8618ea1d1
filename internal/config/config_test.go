package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"is_testnet": true,
		"testnet_api_url": "https://testnet.example.com",
		"testnet_ws_url": "wss://testnet.example.com"
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MonitorIntervalSec)
	assert.Equal(t, 30, cfg.StopTimeoutSec)
	assert.Equal(t, ":9980", cfg.ListenAddr)
	assert.Equal(t, "grid_db", cfg.DBPath)
}

func TestLoadConfigValidatesURLs(t *testing.T) {
	path := writeConfig(t, `{"is_testnet": false}`)
	_, err := LoadConfig(path)
	assert.Error(t, err)

	path = writeConfig(t, `{"is_testnet": true, "testnet_api_url": "https://x"}`)
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
