package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("NAIVEFS_TEST_ROOT", "/srv")
	path := writeConfig(t, `
app:
  port: 9090
storage:
  data_dir: ${NAIVEFS_TEST_ROOT}/volumes
mount:
  mountpoint: /mnt/x
  allow_other: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.App.Port)
	require.Equal(t, 5*time.Second, cfg.App.DefaultTimeout)
	require.Equal(t, "/srv/volumes", cfg.Storage.DataDir)
	require.Equal(t, "default", cfg.Storage.Volume)
	require.Equal(t, 65536, cfg.Storage.MaxOpenFiles)
	require.Equal(t, "/mnt/x", cfg.Mount.Mountpoint)
	require.True(t, cfg.Mount.AllowOther)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("STORAGE_VOLUME", "other")
	path := writeConfig(t, "storage:\n  volume: first\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "other", cfg.Storage.Volume)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)

	require.Panics(t, func() { MustLoad("") })
}

func TestPath(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	require.Equal(t, DefaultPath, Path())

	t.Setenv("CONFIG_PATH", "/etc/naivefs.yaml")
	require.Equal(t, "/etc/naivefs.yaml", Path())
}
