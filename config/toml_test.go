package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ensureFiles(t *testing.T, rootDir string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := rootify(f, rootDir)
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
}

func TestEnsureRoot(t *testing.T) {
	require := require.New(t)

	tmpDir := t.TempDir()
	require.NoError(EnsureRoot(tmpDir))

	data, err := os.ReadFile(filepath.Join(tmpDir, defaultConfigFilePath))
	require.NoError(err)
	require.Contains(string(data), "[network]")

	checkConfig(t, string(data))
	ensureFiles(t, tmpDir, "data")
}

func TestEnsureRootKeepsExistingConfig(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, EnsureRoot(tmpDir))

	cfg := DefaultConfig()
	cfg.Poller.PageCeiling = 42
	require.NoError(t, WriteConfigFile(tmpDir, cfg))

	require.NoError(t, EnsureRoot(tmpDir))

	var decoded struct {
		Poller struct {
			PageCeiling int `toml:"page_ceiling"`
		} `toml:"poller"`
	}
	_, err := toml.DecodeFile(ConfigFile(tmpDir), &decoded)
	require.NoError(t, err)
	assert.Equal(t, 42, decoded.Poller.PageCeiling)
}

func TestEnsureTestRoot(t *testing.T) {
	cfg, err := ResetTestRoot(t.TempDir(), t.Name())
	require.NoError(t, err)
	rootDir := cfg.RootDir

	data, err := os.ReadFile(filepath.Join(rootDir, defaultConfigFilePath))
	require.NoError(t, err)

	checkConfig(t, string(data))
	ensureFiles(t, rootDir, "data", defaultConfigFilePath)
}

func checkConfig(t *testing.T, configFile string) {
	t.Helper()

	var decoded map[string]interface{}
	_, err := toml.Decode(configFile, &decoded)
	require.NoError(t, err)

	// every section and a sample of keys must be present
	for _, key := range []string{
		"db_backend",
		"db_dir",
		"log_level",
		"log_format",
		"account_key_file",
		"groups_file",
		"prune_interval",
	} {
		assert.Contains(t, decoded, key)
	}
	for _, section := range []string{"network", "poller", "ingest", "instrumentation"} {
		assert.Contains(t, decoded, section)
	}

	network, ok := decoded["network"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 2, network["guard_count"])
	assert.IsType(t, "", network["request_timeout"])
}
