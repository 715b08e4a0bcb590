package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nanodb.yaml")
	yaml := `
storage:
  data_dir: /var/lib/nanodb
  page_size: 4096
wal:
  max_file_size: 1048576
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/nanodb", cfg.Storage.DataDir)
	require.Equal(t, 4096, cfg.Storage.PageSize)
	require.Equal(t, 1048576, cfg.WAL.MaxFileSize)
	require.Equal(t, Default().Storage.BufferCapacity, cfg.Storage.BufferCapacity,
		"fields the file omits keep their defaults")
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
