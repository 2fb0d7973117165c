// Package config loads the daemon settings from the environment and an
// optional dotenv file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"voxmail/internal/draft"
	"voxmail/internal/fault"
)

var ErrInvalid = fault.Configuration("invalid configuration")

type Config struct {
	Env      string
	LogLevel slog.Level
	Port     int

	TelegramToken string

	OpenAIKey          string
	OpenAIBaseURL      string
	TranscriptionModel string
	ExtractionModel    string

	SMTP SMTP

	MaxFileSize    int64
	RequestTimeout time.Duration
	TempDir        string
	FFmpegPath     string

	ConfirmationTTL time.Duration
	MaxPending      int
	MaxConcurrent   int

	ProxyAddr     string
	ControlSocket string

	Kafka Kafka
}

type SMTP struct {
	Host     string
	Port     int
	User     string
	Password string
	Secure   bool
	From     string
}

type Kafka struct {
	Enabled bool
	Brokers []string
	Topic   string
}

func (c *Config) Production() bool { return c.Env == "production" }

// Load reads envFile when it exists, then the process environment. Variables
// already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: load %s: %w", ErrInvalid, envFile, err)
		}
	}
	return FromEnv()
}

// FromEnv reads the configuration from the process environment. Every
// problem is reported in the returned error, not only the first.
func FromEnv() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		Env:      p.str("ENV", "development"),
		LogLevel: p.level("LOG_LEVEL", slog.LevelInfo),
		Port:     p.integer("PORT", 3000),

		TelegramToken: p.required("TELEGRAM_BOT_TOKEN"),

		OpenAIKey:          p.required("OPENAI_API_KEY"),
		OpenAIBaseURL:      p.str("OPENAI_BASE_URL", ""),
		TranscriptionModel: p.str("TRANSCRIPTION_MODEL", "whisper-1"),
		ExtractionModel:    p.str("EXTRACTION_MODEL", "gpt-4o-mini"),

		SMTP: SMTP{
			Host:     p.required("SMTP_HOST"),
			Port:     p.requiredInt("SMTP_PORT"),
			User:     p.required("SMTP_USER"),
			Password: p.required("SMTP_PASSWORD"),
			Secure:   p.boolean("SMTP_SECURE", false),
		},

		MaxFileSize:    int64(p.integer("MAX_FILE_SIZE", 25*1024*1024)),
		RequestTimeout: p.duration("REQUEST_TIMEOUT", 30*time.Second),
		TempDir:        p.str("TEMP_DIR", filepath.Join(os.TempDir(), "voxmail")),
		FFmpegPath:     p.str("FFMPEG_PATH", "ffmpeg"),

		ConfirmationTTL: p.duration("CONFIRMATION_TTL", 10*time.Minute),
		MaxPending:      p.integer("MAX_PENDING", 1000),
		MaxConcurrent:   p.integer("MAX_CONCURRENT_PIPELINES", 8),

		ProxyAddr:     p.str("PROXY_ADDR", ""),
		ControlSocket: p.str("CONTROL_SOCKET", "/tmp/voxmail.sock"),

		Kafka: Kafka{
			Enabled: p.boolean("KAFKA_ENABLED", false),
			Brokers: p.list("KAFKA_BROKERS"),
			Topic:   p.str("KAFKA_TOPIC", "voxmail.pipeline"),
		},
	}
	cfg.SMTP.From = p.str("SMTP_FROM", cfg.SMTP.User)

	p.check(cfg.Port > 0 && cfg.Port <= 65535, "PORT", "must be between 1 and 65535")
	p.check(cfg.SMTP.Port == 0 || cfg.SMTP.Port <= 65535, "SMTP_PORT", "must be between 1 and 65535")
	p.check(cfg.SMTP.From == "" || draft.IsEmail(cfg.SMTP.From), "SMTP_FROM", "must be an email address")
	p.check(cfg.MaxFileSize > 0, "MAX_FILE_SIZE", "must be positive")
	p.check(cfg.RequestTimeout > 0, "REQUEST_TIMEOUT", "must be positive")
	p.check(cfg.ConfirmationTTL > 0, "CONFIRMATION_TTL", "must be positive")
	p.check(cfg.MaxPending >= 0, "MAX_PENDING", "must not be negative")
	p.check(cfg.MaxConcurrent > 0, "MAX_CONCURRENT_PIPELINES", "must be positive")
	p.check(!cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) > 0, "KAFKA_BROKERS", "required when KAFKA_ENABLED is true")

	if err := p.err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type parser struct {
	missing  []string
	problems []string
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) required(key string) string {
	v := p.str(key, "")
	if v == "" {
		p.missing = append(p.missing, key)
	}
	return v
}

func (p *parser) requiredInt(key string) int {
	if p.str(key, "") == "" {
		p.missing = append(p.missing, key)
		return 0
	}
	n := p.integer(key, 0)
	p.check(n > 0, key, "must be positive")
	return n
}

func (p *parser) integer(key string, def int) int {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.problems = append(p.problems, fmt.Sprintf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (p *parser) boolean(key string, def bool) bool {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.problems = append(p.problems, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.problems = append(p.problems, fmt.Sprintf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

func (p *parser) level(key string, def slog.Level) slog.Level {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		p.problems = append(p.problems, fmt.Sprintf("%s: %q is not a log level", key, v))
		return def
	}
	return l
}

func (p *parser) list(key string) []string {
	var out []string
	for _, s := range strings.Split(p.str(key, ""), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p *parser) check(ok bool, key, problem string) {
	if !ok {
		p.problems = append(p.problems, key+": "+problem)
	}
}

func (p *parser) err() error {
	var parts []string
	if len(p.missing) > 0 {
		parts = append(parts, "missing "+strings.Join(p.missing, ", "))
	}
	parts = append(parts, p.problems...)
	if len(parts) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(parts, "; "))
}
