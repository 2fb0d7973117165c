// Package nlu turns a voice transcript into a structured email draft using a
// chat-completion model.
package nlu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/openai/openai-go/v3"

	"voxmail/internal/draft"
	"voxmail/internal/fault"
)

const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000

	maxTemperature = 2.0
	maxTokensLimit = 16384
)

var (
	ErrInvalidInput      = fault.Validation("transcript is empty")
	ErrInvalidConfig     = fault.Validation("invalid extraction config")
	ErrInvalidDraft      = fault.Validation("extracted draft is invalid")
	ErrMalformedResponse = fault.Upstream("model returned malformed JSON")
	ErrExtractionFailed  = fault.Upstream("extraction request failed")
)

// Config overrides generation parameters. Nil fields keep the client defaults.
type Config struct {
	Model       string
	Temperature *float64
	MaxTokens   *int64
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}
	if t := *c.Temperature; t < 0 || t > maxTemperature {
		return fmt.Errorf("%w: temperature %v outside [0, %v]", ErrInvalidConfig, t, maxTemperature)
	}
	if n := *c.MaxTokens; n < 1 || n > maxTokensLimit {
		return fmt.Errorf("%w: max tokens %d outside [1, %d]", ErrInvalidConfig, n, maxTokensLimit)
	}
	return nil
}

// merge layers o over c.
func (c Config) merge(o *Config) Config {
	out := c
	if o == nil {
		return out
	}
	if o.Model != "" {
		out.Model = o.Model
	}
	if o.Temperature != nil {
		out.Temperature = o.Temperature
	}
	if o.MaxTokens != nil {
		out.MaxTokens = o.MaxTokens
	}
	return out
}

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Result of an extraction. Draft is nil when the transcript does not ask for
// an email to be sent.
type Result struct {
	Draft *draft.Draft
	Usage Usage
}

func (r Result) Found() bool { return r.Draft != nil }

type Client struct {
	api      openai.Client
	defaults Config
	logger   *slog.Logger
}

// NewClient returns an extraction client. Zero fields in defaults fall back to
// DefaultModel, DefaultTemperature and DefaultMaxTokens.
func NewClient(api openai.Client, defaults Config, logger *slog.Logger) *Client {
	if defaults.Model == "" {
		defaults.Model = DefaultModel
	}
	if defaults.Temperature == nil {
		t := DefaultTemperature
		defaults.Temperature = &t
	}
	if defaults.MaxTokens == nil {
		n := int64(DefaultMaxTokens)
		defaults.MaxTokens = &n
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{api: api, defaults: defaults, logger: logger.With("component", "nlu")}
}

const promptTemplate = `You extract email details from a voice transcript.

Return ONLY a JSON object with exactly these keys:
{"to": "<recipient email address>", "subject": "<short subject line>", "body": "<email body>"}

Rules:
- "to" must be the recipient's email address exactly as spoken, normalized to a valid address ("jane at example dot com" becomes "jane@example.com").
- "subject" is a concise summary of the message, at most ten words.
- "body" is the message text cleaned of filler words, false starts and the instructions addressed to you.
- Never invent an address that is not in the transcript.
- If the transcript is not a request to send an email, return {"to": "", "subject": "", "body": ""}.
- No markdown, no commentary.

Transcript:
%s`

func buildPrompt(text string) string {
	return fmt.Sprintf(promptTemplate, text)
}

// ExtractEmailFields asks the model for a draft and validates it.
func (c *Client) ExtractEmailFields(ctx context.Context, text string, cfg *Config) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrInvalidInput
	}

	merged := c.defaults.merge(cfg)
	if err := merged.validate(); err != nil {
		return Result{}, err
	}

	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(buildPrompt(text)),
		},
		Model:               openai.ChatModel(merged.Model),
		Temperature:         openai.Float(*merged.Temperature),
		MaxCompletionTokens: openai.Int(*merged.MaxTokens),
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}

	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: no choices in response", ErrMalformedResponse)
	}
	content := resp.Choices[0].Message.Content

	c.logger.Debug("Processed", "data", content, "total_tokens", usage.TotalTokens)

	fields, err := parseFields(content)
	if err != nil {
		return Result{}, err
	}

	if fields.empty() {
		c.logger.Info("No email request in transcript")
		return Result{Usage: usage}, nil
	}

	d, err := draft.New(fields.To, fields.Subject, fields.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidDraft, err)
	}

	c.logger.Info("Extracted draft", "to", d.To, "subject_len", len(d.Subject), "body_len", len(d.Body))
	return Result{Draft: &d, Usage: usage}, nil
}

type fields struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (f fields) empty() bool {
	return strings.TrimSpace(f.To) == "" &&
		strings.TrimSpace(f.Subject) == "" &&
		strings.TrimSpace(f.Body) == ""
}

func parseFields(content string) (fields, error) {
	raw := []byte(stripFence(content))
	if !bytes.HasPrefix(raw, []byte("{")) {
		return fields{}, fmt.Errorf("%w: expected a JSON object (raw: %.200s)", ErrMalformedResponse, content)
	}

	var out fields
	if err := json.Unmarshal(raw, &out); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return fields{}, fmt.Errorf("%w: offset %d: %v", ErrMalformedResponse, syn.Offset, err)
		}
		return fields{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out, nil
}

// stripFence removes one surrounding ``` block, with or without a language tag.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		if tag := strings.TrimSpace(s[:i]); tag == "" || !strings.ContainsAny(tag, "{}\"") {
			s = s[i+1:]
		}
	}
	return strings.TrimSpace(s)
}
