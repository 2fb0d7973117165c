// Package events publishes pipeline state changes to Kafka and to live
// websocket subscribers.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeTransition Type = "transition"
	TypeDelivered  Type = "delivered"
	TypeCancelled  Type = "cancelled"
	TypeExpired    Type = "expired"
	TypeFailed     Type = "failed"
)

type Event struct {
	ID     string    `json:"id"`
	RunID  string    `json:"runId"`
	ChatID int64     `json:"chatId"`
	Type   Type      `json:"type"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

func New(runID string, chatID int64, typ Type) Event {
	return Event{
		ID:     uuid.NewString(),
		RunID:  runID,
		ChatID: chatID,
		Type:   typ,
		Time:   time.Now().UTC(),
	}
}

// Sink receives every event.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
