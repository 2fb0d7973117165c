package bot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"voxmail/internal/events"
	"voxmail/pkg/stt"
)

const maxTranscriptEcho = 3500

// process drives a voice message from Idle to AwaitingConfirmation, Idle or
// Aborted. The downloaded file never outlives the call.
func (b *Bot) process(ctx context.Context, in Incoming) {
	r := b.newRun(in.ChatID)
	b.active.Add(1)
	b.metrics.RecordPipelineStart()

	r.logger.Info("Voice message received",
		"file_id", in.Voice.FileID,
		"duration", in.Voice.Duration,
		"size", in.Voice.FileSize,
		"mime", in.Voice.MimeType,
	)

	var path string
	defer func() {
		if path != "" {
			b.removeFile(r, path)
		}
		b.active.Add(-1)
		b.metrics.RecordPipelineEnd(r.state.String())
	}()
	defer b.guard(ctx, r)

	r.to(ctx, Downloading, in.Voice.FileID)

	start := time.Now()
	url, err := b.messenger.FileURL(ctx, in.Voice.FileID)
	if err == nil && url == "" {
		err = errors.New("empty file url")
	}
	if err != nil {
		b.abort(ctx, r, "telegram", fmt.Errorf("%w: %w", ErrFileResolution, err), msgDownloadFailed)
		return
	}

	path = b.downloadPath(in.Voice.FileID, r.id)
	if err := b.downloader.Download(ctx, url, path); err != nil {
		// An oversized file fails the same way on every retry.
		if errors.Is(err, stt.ErrTooLarge) {
			b.abort(ctx, r, "download", err, msgProcessingFailed)
			return
		}
		b.abort(ctx, r, "download", fmt.Errorf("%w: %w", ErrDownloadFailed, err), msgDownloadFailed)
		return
	}
	b.metrics.RecordStage("download", time.Since(start).Seconds())

	r.to(ctx, Transcribing, "")

	start = time.Now()
	text, err := b.transcriber.Transcribe(ctx, path, stt.Options{
		Language:       b.cfg.Language,
		ResponseFormat: stt.FormatText,
	})
	b.metrics.RecordStage("transcribe", time.Since(start).Seconds())
	if err != nil {
		b.abort(ctx, r, "stt", err, msgProcessingFailed)
		return
	}
	if strings.TrimSpace(text) != "" {
		b.reply(ctx, r.chatID, fmt.Sprintf(msgTranscript, truncate(text, maxTranscriptEcho)))
	}

	r.to(ctx, AwaitingExtraction, "")

	start = time.Now()
	res, err := b.extractor.ExtractEmailFields(ctx, text, nil)
	b.metrics.RecordStage("extract", time.Since(start).Seconds())
	if err != nil {
		b.logFailure(r, "llm", err)
		b.reply(ctx, r.chatID, msgNoEmail)
		r.to(ctx, Idle, "extraction failed")
		return
	}
	b.metrics.RecordTokens(res.Usage.PromptTokens, res.Usage.CompletionTokens)

	if !res.Found() {
		b.reply(ctx, r.chatID, msgNoEmail)
		r.to(ctx, Idle, "no email found")
		return
	}

	b.pending.Put(r.chatID, r.id, *res.Draft)
	b.metrics.SetPending(b.pending.Len())
	r.to(ctx, AwaitingConfirmation, "")
	b.reply(ctx, r.chatID, formatDraft(*res.Draft))
}

func (b *Bot) abort(ctx context.Context, r *run, service string, err error, userMsg string) {
	b.logFailure(r, service, err)
	r.publish(ctx, events.TypeFailed, err.Error())
	b.reply(ctx, r.chatID, userMsg)
	r.to(ctx, Aborted, service)
}

// guard recovers a panicking run, aborts it and tells the user.
func (b *Bot) guard(ctx context.Context, r *run) {
	rec := recover()
	if rec == nil {
		return
	}

	r.logger.Error("Recovered from panic", "panic", rec, "state", r.state.String(), "stack", string(debug.Stack()))
	b.metrics.RecordUpstreamError("bot", "unexpected")
	if !r.state.IsTerminal() {
		r.to(ctx, Aborted, "panic")
	}
	b.reply(ctx, r.chatID, msgProcessingFailed)
}

func (b *Bot) downloadPath(fileID, runID string) string {
	return filepath.Join(b.cfg.TempDir, fmt.Sprintf("%s_%s.ogg", safeName(fileID), runID[:8]))
}

func (b *Bot) removeFile(r *run, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.logger.Warn("Failed to remove voice file", "path", path, "err", err)
		return
	}
	r.logger.Debug("Removed voice file", "path", path)
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
