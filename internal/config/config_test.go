package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTempConfigDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

func writeConfigFile(t *testing.T, dir string, cfg *Config) {
	t.Helper()
	data, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0600))
}

func TestDefaultConfigDir(t *testing.T) {
	dir := DefaultConfigDir()
	assert.NotEmpty(t, dir)
	assert.True(t, filepath.IsAbs(dir))
	assert.Contains(t, dir, ".imageio")
}

func TestDefaultAppliesBakedInValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":54322", cfg.Remote.Addr)
	assert.Equal(t, ":54323", cfg.Control.TCPAddr)
	assert.Equal(t, DefaultBufferSizeBytes, cfg.BufferSizeBytes)
	assert.Equal(t, 8, cfg.MaxConnections)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadValidConfig(t *testing.T) {
	dir := createTempConfigDir(t)
	expected := &Config{
		Remote:          RemoteConfig{Addr: ":9000", CertFile: "cert.pem", KeyFile: "key.pem"},
		Local:           LocalConfig{SocketPath: "/run/imageio/local.sock"},
		Control:         ControlConfig{SocketPath: "/run/imageio/control.sock"},
		BufferSizeBytes: 2 << 20,
		MaxConnections:  4,
	}
	writeConfigFile(t, dir, expected)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Remote.Addr)
	assert.Equal(t, "cert.pem", cfg.Remote.CertFile)
	assert.Equal(t, "/run/imageio/local.sock", cfg.Local.SocketPath)
	assert.Equal(t, "/run/imageio/control.sock", cfg.Control.SocketPath)
	assert.Equal(t, 2<<20, cfg.BufferSizeBytes)
	assert.Equal(t, 4, cfg.MaxConnections)
	assert.Equal(t, dir, cfg.ConfigDir)
}

func TestLoadAppliesDefaultsForZeroFields(t *testing.T) {
	dir := createTempConfigDir(t)
	writeConfigFile(t, dir, &Config{Remote: RemoteConfig{Addr: ":1"}})

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultBufferSizeBytes, cfg.BufferSizeBytes)
	assert.Equal(t, 8, cfg.MaxConnections)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	dir := createTempConfigDir(t)
	cfg, err := Load(dir)
	assert.Nil(t, cfg)
	assert.Error(t, err)
}

func TestLoadInvalidJSONReturnsError(t *testing.T) {
	dir := createTempConfigDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{invalid"), 0600))

	cfg, err := Load(dir)
	assert.Nil(t, cfg)
	assert.Error(t, err)
}

func TestExists(t *testing.T) {
	dir := createTempConfigDir(t)
	assert.False(t, Exists(dir))
	writeConfigFile(t, dir, Default())
	assert.True(t, Exists(dir))
}

func TestSaveWritesFileWithRestrictedPermissions(t *testing.T) {
	dir := createTempConfigDir(t)
	cfg := Default()
	cfg.ConfigDir = dir

	require.NoError(t, cfg.Save())

	path := filepath.Join(dir, "config.json")
	assert.FileExists(t, path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSaveCreatesNestedDirectory(t *testing.T) {
	dir := filepath.Join(createTempConfigDir(t), "nested", "dir")
	cfg := Default()
	cfg.ConfigDir = dir

	require.NoError(t, cfg.Save())
	assert.DirExists(t, dir)
	assert.FileExists(t, filepath.Join(dir, "config.json"))
}

func TestConfigRoundTrip(t *testing.T) {
	dir := createTempConfigDir(t)
	original := Default()
	original.ConfigDir = dir
	original.Remote.Addr = ":54330"
	original.Control.SocketPath = "/run/imageio/control.sock"
	original.Local.SocketPath = "/run/imageio/local.sock"

	require.NoError(t, original.Save())

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, original.Remote.Addr, loaded.Remote.Addr)
	assert.Equal(t, original.Control.SocketPath, loaded.Control.SocketPath)
	assert.Equal(t, original.Local.SocketPath, loaded.Local.SocketPath)
	assert.Equal(t, original.BufferSizeBytes, loaded.BufferSizeBytes)
	assert.Equal(t, original.MaxConnections, loaded.MaxConnections)
}
