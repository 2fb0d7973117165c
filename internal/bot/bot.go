// Package bot sequences one voice message through download, transcription,
// extraction, confirmation and delivery.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"voxmail/internal/draft"
	"voxmail/internal/events"
	"voxmail/internal/fault"
	"voxmail/internal/metrics"
	"voxmail/internal/nlu"
	"voxmail/internal/pending"
	"voxmail/pkg/stt"
)

var (
	ErrFileResolution = fault.Upstream("could not resolve voice file")
	ErrDownloadFailed = fault.Upstream("voice download failed")
)

// Messenger is the chat transport.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string) error
	FileURL(ctx context.Context, fileID string) (string, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, path string, opt stt.Options) (string, error)
}

type Extractor interface {
	ExtractEmailFields(ctx context.Context, text string, cfg *nlu.Config) (nlu.Result, error)
}

type Sender interface {
	SendEmail(ctx context.Context, d draft.Draft, opts *draft.Options) (string, error)
}

type Downloader interface {
	Download(ctx context.Context, url, dst string) error
}

// Incoming is a chat message reduced to what the bot reacts to.
type Incoming struct {
	ChatID    int64
	MessageID int
	From      string
	Text      string
	Command   string // without the leading slash
	Voice     *VoiceRef
}

type VoiceRef struct {
	FileID       string
	FileUniqueID string
	Duration     int
	MimeType     string
	FileSize     int64
}

type Config struct {
	TempDir         string
	Language        string
	MaxConcurrent   int
	ConfirmationTTL time.Duration
	MaxPending      int
	SweepInterval   time.Duration
}

type Deps struct {
	Messenger   Messenger
	Transcriber Transcriber
	Extractor   Extractor
	Sender      Sender
	Downloader  Downloader
	Events      events.Sink
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	// Now is the clock of the pending table.
	Now func() time.Time
}

type Bot struct {
	cfg Config

	messenger   Messenger
	transcriber Transcriber
	extractor   Extractor
	sender      Sender
	downloader  Downloader
	events      events.Sink
	metrics     *metrics.Metrics
	logger      *slog.Logger

	pending *pending.Table
	sem     chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	active  atomic.Int64
	started time.Time
}

func New(cfg Config, deps Deps) *Bot {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.ConfirmationTTL <= 0 {
		cfg.ConfirmationTTL = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.Multi{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	b := &Bot{
		cfg:         cfg,
		messenger:   deps.Messenger,
		transcriber: deps.Transcriber,
		extractor:   deps.Extractor,
		sender:      deps.Sender,
		downloader:  deps.Downloader,
		events:      deps.Events,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With("component", "bot"),
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		started:     time.Now(),
	}
	b.pending = pending.New(cfg.ConfirmationTTL, cfg.MaxPending,
		pending.WithClock(deps.Now),
		pending.WithLogger(deps.Logger),
		pending.WithDropHook(b.onDrop),
	)
	return b
}

// Run sweeps expired confirmations until ctx is done. It does not wait for
// in-flight runs; call Shutdown once updates stop arriving.
func (b *Bot) Run(ctx context.Context) {
	b.pending.Run(ctx, b.cfg.SweepInterval)
}

// Wait blocks until every spawned run has returned. It must not race with
// HandleUpdate; Shutdown is the concurrent-safe variant.
func (b *Bot) Wait() { b.wg.Wait() }

// Shutdown stops accepting new runs and waits for the in-flight ones.
func (b *Bot) Shutdown() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bot) Pending() *pending.Table { return b.pending }

// HandleUpdate routes one incoming message. Voice messages and confirmed
// deliveries run in their own goroutines.
func (b *Bot) HandleUpdate(ctx context.Context, in Incoming) {
	switch {
	case in.Voice != nil:
		b.spawn(ctx, in.ChatID, func(ctx context.Context) { b.process(ctx, in) }, nil)
	case in.Command == "start" || in.Command == "help":
		b.reply(ctx, in.ChatID, msgHelp)
	case in.Command != "":
		b.reply(ctx, in.ChatID, msgUnknownCommand)
	case strings.TrimSpace(in.Text) != "":
		b.handleReply(ctx, in)
	default:
		b.reply(ctx, in.ChatID, msgSendVoice)
	}
}

// spawn runs fn in its own goroutine once a pipeline slot is free. When the
// bot is shutting down fn never runs and dropped, if set, runs instead.
func (b *Bot) spawn(ctx context.Context, chatID int64, fn func(context.Context), dropped func()) {
	drop := func() {
		b.logger.Warn("Dropped message during shutdown", "chat_id", chatID)
		if dropped != nil {
			dropped()
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		drop()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()

		if ctx.Err() != nil {
			drop()
			return
		}
		select {
		case b.sem <- struct{}{}:
			defer func() { <-b.sem }()
		case <-ctx.Done():
			drop()
			return
		}

		fn(ctx)
	}()
}

func (b *Bot) handleReply(ctx context.Context, in Incoming) {
	if _, ok := b.pending.Get(in.ChatID); !ok {
		b.reply(ctx, in.ChatID, msgSendVoice)
		return
	}

	switch normalizeAnswer(in.Text) {
	case "yes":
		if ctx.Err() != nil {
			b.notSent(ctx, in.ChatID)
			return
		}
		e, ok := b.pending.Take(in.ChatID)
		b.metrics.SetPending(b.pending.Len())
		if !ok {
			b.reply(ctx, in.ChatID, msgSendVoice)
			return
		}
		b.spawn(ctx, in.ChatID, func(ctx context.Context) { b.deliver(ctx, e) }, func() {
			if b.pending.Restore(e) {
				b.metrics.SetPending(b.pending.Len())
			}
			b.notSent(ctx, e.ChatID)
		})

	case "no":
		e, ok := b.pending.Take(in.ChatID)
		b.metrics.SetPending(b.pending.Len())
		if !ok {
			b.reply(ctx, in.ChatID, msgSendVoice)
			return
		}
		r := b.resumeRun(e)
		r.to(ctx, Idle, "cancelled")
		r.publish(ctx, events.TypeCancelled, "")
		b.reply(ctx, in.ChatID, msgCancelled)

	default:
		b.reply(ctx, in.ChatID, msgReprompt)
	}
}

func (b *Bot) deliver(ctx context.Context, e pending.Entry) {
	r := b.resumeRun(e)
	defer b.guard(ctx, r)

	r.to(ctx, Delivering, "")

	start := time.Now()
	id, err := b.sender.SendEmail(ctx, e.Draft, nil)
	b.metrics.RecordStage("deliver", time.Since(start).Seconds())
	if err != nil {
		b.logFailure(r, "smtp", err)
		r.publish(ctx, events.TypeFailed, err.Error())
		b.reply(ctx, r.chatID, msgDeliveryFailed)
		r.to(ctx, Idle, "delivery failed")
		return
	}

	b.metrics.RecordDelivered()
	r.publish(ctx, events.TypeDelivered, id)
	b.reply(ctx, r.chatID, fmt.Sprintf(msgDelivered, e.Draft.To, id))
	r.to(ctx, Idle, "delivered")
}

func (b *Bot) onDrop(e pending.Entry, reason pending.Reason) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b.metrics.RecordConfirmationDropped(string(reason))
	b.metrics.SetPending(b.pending.Len())

	r := b.resumeRun(e)
	r.to(ctx, Idle, string(reason))

	switch reason {
	case pending.Replaced:
		// The newer draft is shown right after; no separate notice.
		r.publish(ctx, events.TypeCancelled, string(reason))
	case pending.Expired:
		r.publish(ctx, events.TypeExpired, string(reason))
		b.reply(ctx, e.ChatID, fmt.Sprintf(msgExpired, e.Draft.To))
	default:
		r.publish(ctx, events.TypeExpired, string(reason))
		b.reply(ctx, e.ChatID, fmt.Sprintf(msgDiscarded, e.Draft.To))
	}
}

// notSent tells the user a confirmed draft was not handed to SMTP because the
// bot is stopping. ctx may already be cancelled.
func (b *Bot) notSent(ctx context.Context, chatID int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	b.reply(ctx, chatID, msgNotSent)
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.messenger.Send(ctx, chatID, text); err != nil {
		b.logger.Warn("Failed to send message", "chat_id", chatID, "err", err)
	}
}

// logFailure logs err at a level matching its kind and counts upstream failures.
func (b *Bot) logFailure(r *run, service string, err error) {
	kind := fault.Kind(err)
	if kind == "validation" {
		r.logger.Warn("Rejected", "service", service, "err", err)
		return
	}
	b.metrics.RecordUpstreamError(service, kind)
	r.logger.Error("Failed", "service", service, "kind", kind, "err", err)
}

func normalizeAnswer(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func formatDraft(d draft.Draft) string {
	return fmt.Sprintf(msgDraft, d.To, d.Subject, d.Body)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
