package telegrambot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"

	"github.com/caspianwatch/caspianwatch/internal/eventbus"
	"github.com/caspianwatch/caspianwatch/internal/notification"
)

// Watcher delivers notices published by the API server to Telegram and
// announces new reports. Notices arrive on <prefix>.notifications.> over
// core NATS; report events come from the JetStream event stream through
// a durable "telegram-bot" consumer.
type Watcher struct {
	url    string
	prefix string
	bot    *Bot
	logger *log.Logger

	conn *nats.Conn
	subs []*nats.Subscription

	seenMu sync.Mutex
	seen   map[string]struct{}
}

// NewWatcher creates a watcher for the NATS server at url.
func NewWatcher(url, prefix string, bot *Bot) *Watcher {
	if prefix == "" {
		prefix = eventbus.DefaultSubjectPrefix
	}
	return &Watcher{
		url:    url,
		prefix: prefix,
		bot:    bot,
		logger: bot.logger.WithPrefix("telegrambot/nats"),
		seen:   make(map[string]struct{}),
	}
}

// Run connects and reconnects with exponential backoff until ctx is
// cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := w.connect(ctx); err != nil {
			w.logger.Warn("connect failed", "err", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		select {
		case <-ctx.Done():
			w.Close()
			return ctx.Err()
		case <-w.waitDisconnect():
			w.logger.Warn("disconnected, will reconnect")
			w.Close()
		}
	}
}

func (w *Watcher) connect(ctx context.Context) error {
	nc, err := nats.Connect(w.url,
		nats.Name("caspianwatch-telegram-bot"),
		nats.RetryOnFailedConnect(false),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	sub, err := nc.Subscribe(w.prefix+".notifications.>", func(msg *nats.Msg) {
		w.handleNotice(ctx, msg)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe to notifications: %w", err)
	}
	subs := []*nats.Subscription{sub}

	// Announcements are optional; a server without JetStream still
	// delivers notices.
	if w.bot.cfg.AnnounceChat != 0 {
		js, err := nc.JetStream()
		if err == nil {
			err = eventbus.EnsureStreams(js, w.prefix)
		}
		if err == nil {
			var evSubs []*nats.Subscription
			evSubs, err = eventbus.Subscribe(ctx, js, w.prefix, "telegram-bot", w.handleEvent, eventbus.EventReportCreated)
			subs = append(subs, evSubs...)
		}
		if err != nil {
			w.logger.Warn("report announcements disabled", "err", err)
		}
	}

	w.conn = nc
	w.subs = subs
	w.logger.Info("connected", "url", w.url, "subject", w.prefix+".notifications.>")
	return nil
}

// waitDisconnect returns a channel closed once the connection is gone.
func (w *Watcher) waitDisconnect() <-chan struct{} {
	ch := make(chan struct{})
	conn := w.conn
	go func() {
		defer close(ch)
		if conn == nil {
			return
		}
		for conn.IsConnected() || conn.IsReconnecting() {
			time.Sleep(500 * time.Millisecond)
		}
	}()
	return ch
}

func (w *Watcher) handleNotice(ctx context.Context, msg *nats.Msg) {
	var n notification.Notice
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		w.logger.Warn("malformed notice", "subject", msg.Subject, "err", err)
		return
	}
	key := fmt.Sprintf("%s:%d:%d", n.Kind, n.ReportID, n.CreatedAt.UnixNano())
	if !w.markSeen(key) {
		return
	}
	for _, r := range n.Recipients {
		if r.Handle == 0 {
			continue
		}
		if err := w.bot.SendNotice(ctx, r.Handle, n.Text, n.Actions); err != nil {
			w.logger.Warn("failed to deliver notice", "kind", n.Kind, "report", n.ReportID, "to", r.Handle, "err", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, ev *eventbus.Event) {
	if !w.markSeen(fmt.Sprintf("%s:%d", ev.Type, ev.ReportID)) {
		return
	}
	if err := w.bot.AnnounceReport(ctx, ev.ReportID, ev.Category); err != nil {
		w.logger.Warn("failed to announce report", "report", ev.ReportID, "err", err)
	}
}

// markSeen records key and reports whether it was new.
func (w *Watcher) markSeen(key string) bool {
	w.seenMu.Lock()
	defer w.seenMu.Unlock()
	if _, ok := w.seen[key]; ok {
		return false
	}
	if len(w.seen) > 10000 {
		clear(w.seen)
	}
	w.seen[key] = struct{}{}
	return true
}

// Close drops subscriptions and drains the connection.
func (w *Watcher) Close() {
	for _, s := range w.subs {
		_ = s.Unsubscribe()
	}
	w.subs = nil
	if w.conn != nil {
		_ = w.conn.Drain()
		w.conn = nil
	}
}
