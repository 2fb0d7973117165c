// Package pending keeps drafts that wait for a yes/no reply, one per chat.
package pending

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"voxmail/internal/draft"
)

// Reason tells why an entry left the table without an answer.
type Reason string

const (
	Expired  Reason = "expired"
	Evicted  Reason = "evicted"
	Flushed  Reason = "flushed"
	Replaced Reason = "replaced"
)

type Entry struct {
	ChatID    int64
	RunID     string
	Draft     draft.Draft
	CreatedAt time.Time
	ExpiresAt time.Time
}

type Option func(*Table)

func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// WithDropHook is called, outside the lock, for every entry removed by
// expiry, eviction, replacement or Flush.
func WithDropHook(fn func(Entry, Reason)) Option {
	return func(t *Table) { t.onDrop = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Table) { t.logger = l }
}

type Table struct {
	mu      sync.Mutex
	entries map[int64]Entry

	ttl    time.Duration
	max    int
	now    func() time.Time
	onDrop func(Entry, Reason)
	logger *slog.Logger
}

// New returns a table whose entries live for ttl and which holds at most max
// entries. A non-positive max means unbounded.
func New(ttl time.Duration, max int, opts ...Option) *Table {
	t := &Table{
		entries: make(map[int64]Entry),
		ttl:     ttl,
		max:     max,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "pending")
	return t
}

// Put stores d for chatID, replacing any earlier draft of that chat.
func (t *Table) Put(chatID int64, runID string, d draft.Draft) Entry {
	now := t.now()
	e := Entry{
		ChatID:    chatID,
		RunID:     runID,
		Draft:     d,
		CreatedAt: now,
		ExpiresAt: now.Add(t.ttl),
	}

	var evicted, replaced []Entry

	t.mu.Lock()
	if prev, ok := t.entries[chatID]; ok {
		t.logger.Info("Replacing pending draft", "chat_id", chatID, "previous_run", prev.RunID, "run_id", runID)
		replaced = append(replaced, prev)
	} else if t.max > 0 {
		for len(t.entries) >= t.max {
			oldest := t.oldestLocked()
			delete(t.entries, oldest.ChatID)
			evicted = append(evicted, oldest)
		}
	}
	t.entries[chatID] = e
	t.mu.Unlock()

	t.drop(evicted, Evicted)
	t.drop(replaced, Replaced)
	return e
}

// Restore puts back an entry returned by Take, unchanged, unless the chat
// already has a newer one. It reports whether e was stored.
func (t *Table) Restore(e Entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[e.ChatID]; ok {
		return false
	}
	t.entries[e.ChatID] = e
	return true
}

// Get returns the live entry of chatID without removing it.
func (t *Table) Get(chatID int64) (Entry, bool) {
	t.mu.Lock()
	e, ok := t.entries[chatID]
	if ok && t.expired(e) {
		delete(t.entries, chatID)
		t.mu.Unlock()
		t.drop([]Entry{e}, Expired)
		return Entry{}, false
	}
	t.mu.Unlock()
	return e, ok
}

// Take removes and returns the live entry of chatID.
func (t *Table) Take(chatID int64) (Entry, bool) {
	t.mu.Lock()
	e, ok := t.entries[chatID]
	if ok {
		delete(t.entries, chatID)
	}
	t.mu.Unlock()

	if ok && t.expired(e) {
		t.drop([]Entry{e}, Expired)
		return Entry{}, false
	}
	return e, ok
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Sweep removes every expired entry and returns how many were removed.
func (t *Table) Sweep() int {
	var gone []Entry

	t.mu.Lock()
	for id, e := range t.entries {
		if t.expired(e) {
			delete(t.entries, id)
			gone = append(gone, e)
		}
	}
	t.mu.Unlock()

	if len(gone) > 0 {
		t.logger.Info("Expired pending drafts", "count", len(gone))
	}
	t.drop(gone, Expired)
	return len(gone)
}

// Flush drops every entry.
func (t *Table) Flush() int {
	t.mu.Lock()
	gone := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		gone = append(gone, e)
	}
	clear(t.entries)
	t.mu.Unlock()

	t.drop(gone, Flushed)
	return len(gone)
}

// Run sweeps every interval until ctx is done.
func (t *Table) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.logger.Info("Pending sweeper started", "ttl", t.ttl, "interval", interval, "max", t.max)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Pending sweeper stopping")
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

func (t *Table) expired(e Entry) bool {
	return t.ttl > 0 && !t.now().Before(e.ExpiresAt)
}

func (t *Table) oldestLocked() Entry {
	var oldest Entry
	first := true
	for _, e := range t.entries {
		if first || e.CreatedAt.Before(oldest.CreatedAt) {
			oldest, first = e, false
		}
	}
	return oldest
}

func (t *Table) drop(entries []Entry, reason Reason) {
	if t.onDrop == nil {
		return
	}
	for _, e := range entries {
		t.onDrop(e, reason)
	}
}
