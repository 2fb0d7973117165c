// Package telegram adapts the Telegram Bot API to the bot's Messenger.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"voxmail/internal/bot"
	"voxmail/internal/fault"
)

// Telegram rejects longer messages.
const maxMessageLen = 4096

var (
	ErrMissingToken = fault.Configuration("telegram bot token is not set")
	ErrLogin        = fault.Upstream("telegram login failed")
)

type Config struct {
	Token        string
	APIEndpoint  string // printf pattern with token and method, tgbotapi.APIEndpoint by default
	FileEndpoint string // printf pattern with token and file path, tgbotapi.FileEndpoint by default
	PollTimeout  int    // long polling timeout in seconds
}

type Client struct {
	api          *tgbotapi.BotAPI
	token        string
	fileEndpoint string
	pollTimeout  int
	logger       *slog.Logger
}

// New logs in with getMe. httpClient carries the optional proxy.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, ErrMissingToken
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.FileEndpoint == "" {
		cfg.FileEndpoint = tgbotapi.FileEndpoint
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 60
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "telegram")

	if err := tgbotapi.SetLogger(botLogger{logger}); err != nil {
		return nil, fmt.Errorf("set logger: %w", err)
	}

	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLogin, err)
	}
	logger.Info("Authorized", "username", api.Self.UserName)

	return &Client{
		api:          api,
		token:        cfg.Token,
		fileEndpoint: cfg.FileEndpoint,
		pollTimeout:  cfg.PollTimeout,
		logger:       logger,
	}, nil
}

func (c *Client) Username() string { return c.api.Self.UserName }

// Run long-polls for updates and hands each usable message to handle until
// ctx is done.
func (c *Client) Run(ctx context.Context, handle func(context.Context, bot.Incoming)) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.pollTimeout
	updates := c.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			c.api.StopReceivingUpdates()
			c.logger.Info("Stopped polling")
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			in, ok := toIncoming(upd)
			if !ok {
				c.logger.Debug("Ignored update", "update_id", upd.UpdateID)
				continue
			}
			handle(ctx, in)
		}
	}
}

// Send posts text to chatID, split into several messages when too long.
func (c *Client) Send(ctx context.Context, chatID int64, text string) error {
	for _, part := range split(text, maxMessageLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.api.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// FileURL resolves fileID to a download URL.
func (c *Client) FileURL(ctx context.Context, fileID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := c.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file: %w", err)
	}
	if f.FilePath == "" {
		return "", errors.New("file path not returned")
	}
	return fmt.Sprintf(c.fileEndpoint, c.token, f.FilePath), nil
}

func toIncoming(upd tgbotapi.Update) (bot.Incoming, bool) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		return bot.Incoming{}, false
	}

	in := bot.Incoming{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Text:      msg.Text,
	}
	if msg.From != nil {
		in.From = msg.From.UserName
	}
	if msg.IsCommand() {
		in.Command = msg.Command()
	}
	if v := msg.Voice; v != nil {
		in.Voice = &bot.VoiceRef{
			FileID:       v.FileID,
			FileUniqueID: v.FileUniqueID,
			Duration:     v.Duration,
			MimeType:     v.MimeType,
			FileSize:     int64(v.FileSize),
		}
	}
	return in, true
}

func split(s string, n int) []string {
	r := []rune(s)
	if len(r) <= n {
		return []string{s}
	}
	var parts []string
	for len(r) > n {
		parts = append(parts, string(r[:n]))
		r = r[n:]
	}
	if len(r) > 0 {
		parts = append(parts, string(r))
	}
	return parts
}

// botLogger routes the library's own log lines through slog.
type botLogger struct{ l *slog.Logger }

func (b botLogger) Println(v ...any) { b.l.Warn(fmt.Sprint(v...)) }

func (b botLogger) Printf(format string, v ...any) { b.l.Warn(fmt.Sprintf(format, v...)) }
