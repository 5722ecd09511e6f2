package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-cache/types"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
name: "test-cache"
version: "1.2.3"
store:
  default_ttl: 10m
  memory:
    max_bytes: 1024
sync:
  enabled: true
  schedule: "0 */5 * * * *"
policies:
  pets:
    ttl: 45m
    refresh_threshold: 5m
    persist: true
`)

	loader := NewLoader()
	config, err := loader.LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "test-cache", config.Name)
	assert.Equal(t, "1.2.3", config.Version)
	assert.Equal(t, 10*time.Minute, config.Store.DefaultTTL)
	assert.Equal(t, int64(1024), config.Store.Memory.MaxBytes)
	assert.True(t, config.Sync.Enabled)
	assert.Equal(t, 45*time.Minute, config.Policies[types.KindPets].TTL)

	// Sections absent from the file keep their defaults.
	assert.Equal(t, 10*time.Second, config.Remote.Timeout)
	assert.False(t, config.Store.Persistent.Enabled)
}

func TestLoadFromFile_MissingName(t *testing.T) {
	path := writeConfigFile(t, `version: "1.0.0"`)

	_, err := NewLoader().LoadFromFile(path)
	require.Error(t, err)
}

func TestLoadFromFile_NotFound(t *testing.T) {
	_, err := NewLoader().LoadFromFile("/nonexistent/config.yml")
	require.Error(t, err)

	_, err = NewLoader().LoadFromFile("")
	assert.ErrorIs(t, err, types.ErrConfigNotFound)
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "name: [unclosed")

	_, err := NewLoader().LoadFromFile(path)
	require.Error(t, err)
}

func TestNewStaticManager(t *testing.T) {
	manager, err := NewStaticManager(&types.ServiceConfig{
		Name:    "embedded",
		Version: "0.1.0",
		Store:   &types.StoreConfig{DefaultTTL: time.Hour},
	})
	require.NoError(t, err)

	config := manager.GetConfig()
	assert.Equal(t, "embedded", config.Name)
	assert.Equal(t, time.Hour, config.Store.DefaultTTL)
	// Defaults fill in the rest.
	assert.NotNil(t, config.Store.Memory)
	assert.NotNil(t, config.Remote)
}

func TestNewStaticManager_NilConfig(t *testing.T) {
	_, err := NewStaticManager(nil)
	assert.ErrorIs(t, err, types.ErrConfigIsNil)
}
