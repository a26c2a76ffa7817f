package relay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	content := `{"bind_address":"10.0.0.1","port":6000,"queue_depth":128}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:6000", cfg.Addr())
	assert.Equal(t, 128, cfg.QueueDepth)
	// Unset fields fall back to defaults.
	assert.Equal(t, "users.txt", cfg.DirectoryPath)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 70000
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.EnableTLS = true
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.QueueDepth = 0
	cfg.DirectoryPath = ""
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 64, cfg.QueueDepth)
	assert.Equal(t, "users.txt", cfg.DirectoryPath)
}
