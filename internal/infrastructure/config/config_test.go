package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/GriffinCanCode/flightbus/internal/domain/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, bus.DefaultConfig().MaxPipes, cfg.Limits.MaxPipes)
	assert.Equal(t, uint32(0x0808), cfg.Events.MsgID)
	assert.Equal(t, "127.0.0.1:8090", cfg.Server.Addr())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	t.Setenv("BUS_LIMITS_MAX_PIPES", "12")
	t.Setenv("BUS_LIMITS_BLOCK_SIZES", "128,1024,32768")
	t.Setenv("BUS_SERVER_PORT", "9100")
	t.Setenv("BUS_LOG_LEVEL", "debug")
	t.Setenv("BUS_LOG_DEV", "true")
	t.Setenv("BUS_RATE_LIMIT_RPS", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Limits.MaxPipes)
	assert.Equal(t, []int{128, 1024, 32768}, cfg.Limits.BlockSizes)
	assert.Equal(t, "9100", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, 5, cfg.RateLimit.RequestsPerSecond)

	// untouched values keep defaults
	assert.Equal(t, Default().Limits.MaxMsgIDs, cfg.Limits.MaxMsgIDs)
	assert.Equal(t, 100, cfg.RateLimit.Burst)
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeFile(t, "bus.yaml", `
limits:
  max_pipes: 20
  max_msg_size: 4096
events:
  msg_id: 0x0901
  filters:
    - event_id: 14
      mask: 0xFFFC
server:
  port: "9200"
`)
	t.Setenv(FileEnv, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Limits.MaxPipes)
	assert.Equal(t, 4096, cfg.Limits.MaxMsgSize)
	assert.Equal(t, uint32(0x0901), cfg.Events.MsgID)
	require.Len(t, cfg.Events.Filters, 1)
	assert.Equal(t, uint16(14), cfg.Events.Filters[0].EventID)
	assert.Equal(t, uint16(0xFFFC), cfg.Events.Filters[0].Mask)
	assert.Equal(t, "9200", cfg.Server.Port)
	assert.Equal(t, Default().Server.Host, cfg.Server.Host, "absent keys keep defaults")
}

func TestLoadTOMLFile(t *testing.T) {
	path := writeFile(t, "bus.toml", `
[limits]
max_pipes = 24
block_sizes = [64, 512, 32768]

[logging]
level = "warn"
`)
	t.Setenv(FileEnv, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 24, cfg.Limits.MaxPipes)
	assert.Equal(t, []int{64, 512, 32768}, cfg.Limits.BlockSizes)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "bus.yml", "limits:\n  max_pipes: 20\n")
	t.Setenv(FileEnv, path)
	t.Setenv("BUS_LIMITS_MAX_PIPES", "30")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Limits.MaxPipes)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		env  map[string]string
	}{
		{name: "unknown extension", file: "bus.json", body: "{}"},
		{name: "bad yaml", file: "bus.yaml", body: "limits: [1, 2"},
		{name: "invalid limit", file: "bus.toml", body: "[limits]\nmax_pipes = 0\n"},
		{name: "bad env value", env: map[string]string{"BUS_LIMITS_MAX_PIPES": "many"}},
		{name: "invalid event msg id", env: map[string]string{"BUS_EVENTS_MSG_ID": "65535"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.file != "" {
				t.Setenv(FileEnv, writeFile(t, tt.file, tt.body))
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
			assert.NotNil(t, LoadOrDefault())
		})
	}
}

func TestMissingFile(t *testing.T) {
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestLimitsBus(t *testing.T) {
	l := Default().Limits
	l.BlockSizes = []int{64, 32768}
	b := l.Bus()
	assert.Equal(t, l.MaxPipes, b.MaxPipes)
	assert.Equal(t, l.BlockSizes, b.BlockSizes)
	assert.Equal(t, l.VerifyRetry, b.VerifyRetry)
	require.NoError(t, b.Validate())
}
