package bot

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"voxmail/internal/events"
	"voxmail/internal/pending"
)

// run is one pass of a voice message through the state machine. Only the
// goroutine that owns a run touches it.
type run struct {
	id     string
	chatID int64
	state  State
	bot    *Bot
	logger *slog.Logger
}

func (b *Bot) newRun(chatID int64) *run {
	id := uuid.NewString()
	return &run{
		id:     id,
		chatID: chatID,
		state:  Idle,
		bot:    b,
		logger: b.logger.With("run_id", id, "chat_id", chatID),
	}
}

// resumeRun picks up a run that stopped at the confirmation prompt.
func (b *Bot) resumeRun(e pending.Entry) *run {
	return &run{
		id:     e.RunID,
		chatID: e.ChatID,
		state:  AwaitingConfirmation,
		bot:    b,
		logger: b.logger.With("run_id", e.RunID, "chat_id", e.ChatID),
	}
}

// to moves the run to next. Transitions outside the table are logged and ignored.
func (r *run) to(ctx context.Context, next State, detail string) bool {
	if !r.state.CanTransition(next) {
		r.logger.Error("Illegal transition", "from", r.state.String(), "to", next.String(), "err", ErrIllegalTransition)
		return false
	}

	from := r.state
	r.state = next

	r.logger.Info("Transition", "from", from.String(), "to", next.String(), "detail", detail)
	r.bot.metrics.RecordTransition(from.String(), next.String())

	e := events.New(r.id, r.chatID, events.TypeTransition)
	e.From, e.To, e.Detail = from.String(), next.String(), detail
	r.bot.emit(ctx, e)
	return true
}

func (r *run) publish(ctx context.Context, typ events.Type, detail string) {
	e := events.New(r.id, r.chatID, typ)
	e.Detail = detail
	r.bot.emit(ctx, e)
}

func (b *Bot) emit(ctx context.Context, e events.Event) {
	if err := b.events.Publish(ctx, e); err != nil {
		b.logger.Debug("Event not published", "run_id", e.RunID, "type", string(e.Type), "err", err)
	}
}
