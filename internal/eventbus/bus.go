// Package eventbus distributes report lifecycle events. Local handlers run
// in-process in priority order; when a JetStream context is attached every
// event is also published to NATS so other processes (the Telegram bot's
// watcher, external consumers) can react.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
)

// Bus dispatches events to registered handlers and, optionally, JetStream.
type Bus struct {
	handlers []Handler
	mu       sync.RWMutex

	js     nats.JetStreamContext
	prefix string
	logger *log.Logger
}

// New creates a new event bus.
func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{logger: logger, prefix: DefaultSubjectPrefix}
}

// SetJetStream enables publishing to JetStream under prefix.
func (b *Bus) SetJetStream(js nats.JetStreamContext, prefix string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.js = js
	if prefix != "" {
		b.prefix = prefix
	}
}

// JetStreamEnabled reports whether events are published to NATS.
func (b *Bus) JetStreamEnabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.js != nil
}

// Register adds a handler to the bus. Handlers are sorted by priority on
// each Dispatch call, so registration order does not matter.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Dispatch sends an event to all registered handlers that handle its type,
// then publishes it to JetStream when enabled. Handler errors are logged
// and do not stop the chain; a publish failure is returned.
func (b *Bus) Dispatch(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("eventbus: nil event")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	matching := b.matchingHandlers(event.Type)
	js, prefix := b.js, b.prefix
	b.mu.RUnlock()

	for _, h := range matching {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("eventbus: context cancelled: %w", err)
		}
		if err := h.Handle(ctx, event); err != nil {
			b.logger.Warn("eventbus handler failed", "handler", h.ID(), "event", event.Type, "report", event.ReportID, "err", err)
		}
	}

	if js == nil {
		return nil
	}
	return publish(ctx, js, prefix, event)
}

func publish(ctx context.Context, js nats.JetStreamContext, prefix string, event *Event) error {
	now := time.Now().UTC()
	out := *event
	out.PublishedAt = &now
	data, err := json.Marshal(&out)
	if err != nil {
		return fmt.Errorf("eventbus: marshal %s: %w", event.Type, err)
	}
	subject := SubjectForEvent(prefix, event.Type)
	if _, err := js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", subject, err)
	}
	return nil
}

// Handlers returns all registered handlers (for introspection/status reporting).
func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

// matchingHandlers returns handlers that handle the given event type, sorted
// by priority (lowest first). Must be called with at least a read lock held.
func (b *Bus) matchingHandlers(eventType EventType) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		for _, t := range h.Handles() {
			if t == eventType {
				matched = append(matched, h)
				break
			}
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}
