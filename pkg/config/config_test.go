package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "host", cfg.Device.Backend)
	assert.Equal(t, int64(16<<20), cfg.Device.DedicatedStreamBytes)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helios.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device:
  streams: 8
  memory_limit_bytes: 1073741824
coordinator:
  retries: 5
  retry_backoff: 250ms
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Device.Streams)
	assert.Equal(t, int64(1<<30), cfg.Device.MemoryLimitBytes)
	assert.Equal(t, 5, cfg.Coordinator.Retries)
	assert.Equal(t, 250*time.Millisecond, cfg.Coordinator.RetryBackoff.Std())
	assert.Equal(t, "host", cfg.Device.Backend, "unset fields keep defaults")
}

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("HELIOS_TEST_BACKEND", "host")

	path := filepath.Join(t.TempDir(), "helios.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  backend: ${HELIOS_TEST_BACKEND}\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "host", cfg.Device.Backend)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Device.Streams = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Memory.HostReserveFraction = 1.5
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Device.Backend = ""
	require.Error(t, cfg.Validate())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Device.Streams = 6
	cfg.Observability.LogLevel = "debug"

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(path, cfg))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}
