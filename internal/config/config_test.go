package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shortsched/internal/core"
)

func TestParseArgsDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SHORTSCHED_MODE", "")
	os.Unsetenv("SHORTSCHED_MODE")

	cfg, err := ParseArgs([]string{"-state-dir", dir})
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.StateDir)
	assert.Equal(t, ModeHTTP, cfg.Mode)
	assert.True(t, cfg.ServesHTTP())
	assert.False(t, cfg.ServesMCP())
	assert.Equal(t, core.DefaultSweepSpec, cfg.Automation.SweepSpec)
	assert.Equal(t, 10*time.Minute, cfg.Automation.Tolerance)
	assert.Equal(t, 30*time.Minute, cfg.Automation.StaleLockAfter)
	assert.Equal(t, 5, cfg.Automation.IdeasPerRequest)
	assert.True(t, cfg.Automation.SweepEnabled)
}

func TestParseArgsEnvAndFlagPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SHORTSCHED_ADDR", "127.0.0.1:9000")
	t.Setenv("SHORTSCHED_MODE", ModeBoth)
	t.Setenv("SHORTSCHED_TIMEZONE", "Europe/Berlin")
	t.Setenv("SHORTSCHED_TOLERANCE", "15")
	t.Setenv("SHORTSCHED_STALE_LOCK_AFTER", "45m")
	t.Setenv("SHORTSCHED_SWEEP_ENABLED", "true")
	t.Setenv("SHORTSCHED_TELEGRAM_BOT_TOKEN", "bot")
	t.Setenv("SHORTSCHED_TELEGRAM_CHAT_ID", "-100")

	cfg, err := ParseArgs([]string{
		"-state-dir", dir,
		"-addr", "127.0.0.1:9100",
		"-tolerance", "7m",
		"-no-sweep",
	})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", cfg.Server.Addr)
	assert.Equal(t, ModeBoth, cfg.Mode)
	assert.True(t, cfg.ServesHTTP())
	assert.True(t, cfg.ServesMCP())
	assert.Equal(t, "Europe/Berlin", cfg.Automation.TimeZone)
	assert.Equal(t, 7*time.Minute, cfg.Automation.Tolerance)
	assert.Equal(t, 45*time.Minute, cfg.Automation.StaleLockAfter)
	assert.False(t, cfg.Automation.SweepEnabled)
	assert.Equal(t, "bot", cfg.Notification.Telegram.BotToken)
	assert.Equal(t, "-100", cfg.Notification.Telegram.ChatID)
}

func TestParseArgsRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	_, err := ParseArgs([]string{"-state-dir", dir, "-mode", "grpc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mode")

	_, err = ParseArgs([]string{"-state-dir", dir, "-timezone", "Mars/Olympus"})
	require.Error(t, err)

	_, err = ParseArgs([]string{"-state-dir", dir, "-sweep-spec", "@hourly"})
	require.Error(t, err)

	_, err = ParseArgs([]string{"-state-dir", dir, "-tolerance", "0s"})
	require.Error(t, err)
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SHORTSCHED_TEST_FROM_FILE=file\nSHORTSCHED_TEST_PRESET=file\n"), 0o600))

	t.Setenv("SHORTSCHED_TEST_PRESET", "env")
	os.Unsetenv("SHORTSCHED_TEST_FROM_FILE")
	t.Cleanup(func() { os.Unsetenv("SHORTSCHED_TEST_FROM_FILE") })

	loadDotEnv(filepath.Join(dir, "missing.env"), path)

	assert.Equal(t, "file", os.Getenv("SHORTSCHED_TEST_FROM_FILE"))
	assert.Equal(t, "env", os.Getenv("SHORTSCHED_TEST_PRESET"))
}

func TestGetEnvDurationAcceptsMinutes(t *testing.T) {
	t.Setenv("SHORTSCHED_TEST_DURATION", "12")
	assert.Equal(t, 12*time.Minute, getEnvDuration("SHORTSCHED_TEST_DURATION", time.Second))

	t.Setenv("SHORTSCHED_TEST_DURATION", "90s")
	assert.Equal(t, 90*time.Second, getEnvDuration("SHORTSCHED_TEST_DURATION", time.Second))

	t.Setenv("SHORTSCHED_TEST_DURATION", "soon")
	assert.Equal(t, time.Second, getEnvDuration("SHORTSCHED_TEST_DURATION", time.Second))
}
