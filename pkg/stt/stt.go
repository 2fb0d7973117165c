// Package stt transcribes local audio files through the OpenAI speech-to-text API.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"voxmail/internal/fault"
	"voxmail/pkg/audioconv"
)

const (
	DefaultModel   = "whisper-1"
	DefaultMaxSize = 25 * 1024 * 1024
	DefaultTimeout = 30 * time.Second
)

var (
	ErrNotFound          = fault.Validation("audio file not found")
	ErrEmptyFile         = fault.Validation("audio file is empty")
	ErrTooLarge          = fault.Validation("audio file too large")
	ErrUnsupportedFormat = fault.Validation("unsupported audio format")
	ErrInvalidOptions    = fault.Validation("invalid transcription options")

	ErrInvalidCredentials  = fault.Upstream("invalid transcription API credentials")
	ErrRateLimited         = fault.Upstream("transcription API rate limit exceeded")
	ErrUpstreamTimeout     = fault.Upstream("transcription request timed out")
	ErrTranscriptionFailed = fault.Upstream("transcription failed")
)

// SupportedExtensions lists the accepted input containers.
var SupportedExtensions = map[string]struct{}{
	".ogg":  {},
	".mp3":  {},
	".wav":  {},
	".m4a":  {},
	".webm": {},
}

// Format is the response_format sent to the API.
type Format string

const (
	FormatText        Format = "text"
	FormatJSON        Format = "json"
	FormatSRT         Format = "srt"
	FormatVerboseJSON Format = "verbose_json"
	FormatVTT         Format = "vtt"
)

func (f Format) valid() bool {
	switch f {
	case FormatText, FormatJSON, FormatSRT, FormatVerboseJSON, FormatVTT:
		return true
	}
	return false
}

// Options are per-request transcription parameters.
type Options struct {
	Language       string   // ISO-639-1, e.g. "en"; empty lets the API detect it
	ResponseFormat Format   // empty means FormatText
	Temperature    *float64 // [0, 1]
	Prompt         string
}

// Validate reports the first invalid field.
func (o Options) Validate() error {
	if o.ResponseFormat != "" && !o.ResponseFormat.valid() {
		return fmt.Errorf("%w: response format %q", ErrInvalidOptions, o.ResponseFormat)
	}
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 1) {
		return fmt.Errorf("%w: temperature %v outside [0, 1]", ErrInvalidOptions, *o.Temperature)
	}
	if o.Language != "" && !isLanguageCode(o.Language) {
		return fmt.Errorf("%w: language %q", ErrInvalidOptions, o.Language)
	}
	return nil
}

func (o Options) format() Format {
	if o.ResponseFormat == "" {
		return FormatText
	}
	return o.ResponseFormat
}

func isLanguageCode(s string) bool {
	if len(s) < 2 || len(s) > 3 {
		return false
	}
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// Converter produces a transcription-ready MP3 from any supported input.
type Converter interface {
	ToMP3(ctx context.Context, src, dst string) error
}

type Config struct {
	Model   string
	MaxSize int64
	TempDir string
	Timeout time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	api    openai.Client
	conv   Converter
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewClient(api openai.Client, conv Converter, cfg Config, logger *slog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		api:    api,
		conv:   conv,
		cfg:    cfg,
		logger: logger.With("component", "stt"),
		now:    time.Now,
	}
}

// Transcribe validates path, normalizes it to MP3 and returns the transcript.
// The intermediate MP3 is always removed before returning.
func (c *Client) Transcribe(ctx context.Context, path string, opt Options) (string, error) {
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("%w: stat %s: %v", ErrTranscriptionFailed, path, err)
	}
	if st.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}
	if st.Size() == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}
	if st.Size() > c.cfg.MaxSize {
		return "", fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrTooLarge, st.Size(), c.cfg.MaxSize)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := SupportedExtensions[ext]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err := opt.Validate(); err != nil {
		return "", err
	}

	c.logInput(ctx, path, st.Size())

	tmp := c.tempPath(path)
	defer func() {
		if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("Failed to remove temporary mp3", "path", tmp, "err", err)
		}
	}()

	if ext == ".mp3" {
		err = copyFile(path, tmp)
	} else {
		err = c.conv.ToMP3(ctx, path, tmp)
	}
	if err != nil {
		return "", fmt.Errorf("%w: prepare mp3: %v", ErrTranscriptionFailed, err)
	}

	start := c.now()
	text, err := c.upload(ctx, tmp, opt)
	if err != nil {
		return "", err
	}

	c.logger.Info("Transcribed",
		"chars", len(text),
		"format", string(opt.format()),
		"took", time.Since(start).Round(time.Millisecond),
	)
	return text, nil
}

func (c *Client) upload(ctx context.Context, path string, opt Options) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open mp3: %v", ErrTranscriptionFailed, err)
	}
	defer f.Close()

	format := opt.format()
	params := openai.AudioTranscriptionNewParams{
		File:           f,
		Model:          openai.AudioModel(c.cfg.Model),
		ResponseFormat: openai.AudioResponseFormat(format),
	}
	if opt.Language != "" {
		params.Language = openai.String(opt.Language)
	}
	if opt.Temperature != nil {
		params.Temperature = openai.Float(*opt.Temperature)
	}
	if opt.Prompt != "" {
		params.Prompt = openai.String(opt.Prompt)
	}

	var raw []byte
	_, err = c.api.Audio.Transcriptions.New(ctx, params,
		option.WithRequestTimeout(c.cfg.Timeout),
		option.WithMaxRetries(0),
		option.WithResponseBodyInto(&raw),
	)
	if err != nil {
		return "", mapError(err)
	}

	return decodeText(format, raw)
}

func decodeText(format Format, raw []byte) (string, error) {
	switch format {
	case FormatJSON, FormatVerboseJSON:
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return "", fmt.Errorf("%w: decode %s response: %v", ErrTranscriptionFailed, format, err)
		}
		return strings.TrimSpace(body.Text), nil
	default:
		return strings.TrimSpace(string(raw)), nil
	}
}

func mapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrInvalidCredentials, apiErr.Message)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
		}
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return fmt.Errorf("%w: status %d: %s", ErrTranscriptionFailed, apiErr.StatusCode, msg)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
}

// tempPath is unique per call: concurrent runs for the same file id never collide.
func (c *Client) tempPath(src string) string {
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	return filepath.Join(c.cfg.TempDir, fmt.Sprintf("%s_%d.mp3", base, c.now().UnixNano()))
}

func (c *Client) logInput(ctx context.Context, path string, size int64) {
	if !c.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	info, err := audioconv.Probe(ctx, path)
	if err != nil {
		c.logger.Debug("Input not probed", "path", path, "size", size, "err", err)
		return
	}
	c.logger.Debug("Input audio",
		"path", path,
		"size", size,
		"format", info.Format,
		"sample_rate", info.SampleRate,
		"channels", info.Channels,
		"duration", info.Duration,
	)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
