package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxmail/internal/fault"
)

var keys = []string{
	"ENV", "LOG_LEVEL", "PORT", "TELEGRAM_BOT_TOKEN", "OPENAI_API_KEY", "OPENAI_BASE_URL",
	"TRANSCRIPTION_MODEL", "EXTRACTION_MODEL", "SMTP_HOST", "SMTP_PORT", "SMTP_USER",
	"SMTP_PASSWORD", "SMTP_SECURE", "SMTP_FROM", "MAX_FILE_SIZE", "REQUEST_TIMEOUT", "TEMP_DIR",
	"FFMPEG_PATH", "CONFIRMATION_TTL", "MAX_PENDING", "MAX_CONCURRENT_PIPELINES", "PROXY_ADDR",
	"CONTROL_SOCKET", "KAFKA_ENABLED", "KAFKA_BROKERS", "KAFKA_TOPIC",
}

// clearEnv unsets every variable Load reads and restores them after the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_PORT", "587")
	t.Setenv("SMTP_USER", "bot@example.com")
	t.Setenv("SMTP_PASSWORD", "secret")
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	setRequired(t)

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.False(t, cfg.Production())
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "whisper-1", cfg.TranscriptionModel)
	assert.Equal(t, "gpt-4o-mini", cfg.ExtractionModel)
	assert.Equal(t, SMTP{
		Host: "smtp.example.com", Port: 587, User: "bot@example.com",
		Password: "secret", From: "bot@example.com",
	}, cfg.SMTP)
	assert.Equal(t, int64(26214400), cfg.MaxFileSize)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, filepath.Join(os.TempDir(), "voxmail"), cfg.TempDir)
	assert.Equal(t, "ffmpeg", cfg.FFmpegPath)
	assert.Equal(t, 10*time.Minute, cfg.ConfirmationTTL)
	assert.Equal(t, 1000, cfg.MaxPending)
	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.Empty(t, cfg.ProxyAddr)
	assert.Equal(t, "/tmp/voxmail.sock", cfg.ControlSocket)
	assert.Equal(t, Kafka{Topic: "voxmail.pipeline"}, cfg.Kafka)
}

func TestCustomValues(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv("ENV", "production")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SMTP_SECURE", "true")
	t.Setenv("SMTP_USER", "apikey")
	t.Setenv("SMTP_FROM", "voice@example.com")
	t.Setenv("REQUEST_TIMEOUT", "45s")
	t.Setenv("MAX_CONCURRENT_PIPELINES", "2")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.True(t, cfg.Production())
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.True(t, cfg.SMTP.Secure)
	assert.Equal(t, "voice@example.com", cfg.SMTP.From)
	assert.Equal(t, 45*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 2, cfg.MaxConcurrent)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestMissingRequired(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	_, err := FromEnv()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, "configuration", fault.Kind(err))
	for _, k := range []string{"TELEGRAM_BOT_TOKEN", "SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASSWORD"} {
		assert.Contains(t, err.Error(), k)
	}
	assert.NotContains(t, err.Error(), "OPENAI_API_KEY")
}

func TestMalformedValues(t *testing.T) {
	cases := map[string]string{
		"PORT":                     "http",
		"SMTP_PORT":                "70000",
		"SMTP_SECURE":              "maybe",
		"SMTP_FROM":                "not-an-address",
		"REQUEST_TIMEOUT":          "30",
		"LOG_LEVEL":                "loud",
		"MAX_FILE_SIZE":            "-1",
		"MAX_CONCURRENT_PIPELINES": "0",
		"CONFIRMATION_TTL":         "soon",
		"KAFKA_ENABLED":            "true",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			setRequired(t)
			t.Setenv(key, value)

			_, err := FromEnv()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	require.NoError(t, os.Unsetenv("SMTP_HOST"))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SMTP_HOST=mail.example.org\nPORT=8080\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mail.example.org", cfg.SMTP.Host)
	assert.Equal(t, 8080, cfg.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err, "a missing env file is not an error")
}
