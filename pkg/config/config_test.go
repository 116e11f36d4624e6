package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFile_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobctl.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
runner:
  maxConcurrent: 2
  defaultMode: async
  maxLogBytesPerStream: 2048
  previewMaxBytes: 256
  jobStoreFile: ./jobs.json
  logsDir: ./logs
scripts:
  - id: ok
    path: ./scripts/ok.sh
    timeoutSec: 5
    args:
      maxItems: 3
      itemMaxLength: 64
      itemPattern: "^[a-zA-Z0-9._-]+$"
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Runner.MaxConcurrent)
	require.Equal(t, "async", cfg.Runner.DefaultMode)
	require.Len(t, cfg.Scripts, 1)
	require.Equal(t, "ok", cfg.Scripts[0].ID)
}

func TestValidate_RejectsNonPositiveConcurrency(t *testing.T) {
	cfg := DefaultConfig
	cfg.Runner.MaxConcurrent = 0
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsDuplicateScriptIDs(t *testing.T) {
	cfg := DefaultConfig
	cfg.Scripts = []ScriptConfig{
		{ID: "a", Path: "/bin/true"},
		{ID: "a", Path: "/bin/false"},
	}
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsBadRegex(t *testing.T) {
	cfg := DefaultConfig
	cfg.Scripts = []ScriptConfig{
		{ID: "a", Path: "/bin/true", Args: ArgsConstraint{ItemPattern: "("}},
	}
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnknownMode(t *testing.T) {
	cfg := DefaultConfig
	cfg.Runner.DefaultMode = "eventually"
	require.Error(t, cfg.Validate())
}

func TestLoad_FallsBackToDefaultsWhenNoFile(t *testing.T) {
	t.Setenv("JOBCTL_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yml"))
	cfg, path, err := Load()
	require.NoError(t, err)
	require.Equal(t, "built-in defaults (no config file found)", path)
	require.Equal(t, DefaultConfig.Runner.MaxConcurrent, cfg.Runner.MaxConcurrent)
}

func TestLoad_EnvOverridesLogLevel(t *testing.T) {
	t.Setenv("JOBCTL_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yml"))
	t.Setenv("JOBCTL_LOG_LEVEL", "DEBUG")
	cfg, _, err := Load()
	require.NoError(t, err)
	require.Equal(t, "DEBUG", cfg.Logging.Level)
}
