// Package notification informs interested identities of report lifecycle
// changes. The lifecycle engine hands a Notice to a Notifier after the
// change has committed; the Dispatcher fans it out to the configured
// routes (log, webhook, telegram, nats).
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// Route names accepted in notification.routes.
const (
	RouteLog      = "log"
	RouteWebhook  = "webhook"
	RouteTelegram = "telegram"
	RouteNATS     = "nats"
)

// DefaultTimeout bounds a single dispatch when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Sender delivers a message to a messaging handle.
type Sender interface {
	SendNotice(ctx context.Context, handle int64, text string, actions []Action) error
}

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config holds dispatcher settings.
type Config struct {
	Routes        []string
	WebhookURL    string
	Timeout       time.Duration
	SubjectPrefix string // NATS subjects are <prefix>.notifications.<kind>
}

// DispatchResult records the outcome of a notification dispatch.
type DispatchResult struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Dispatcher sends notices to every configured route in parallel.
type Dispatcher struct {
	mu     sync.RWMutex
	routes []string

	cfg        Config
	httpClient *http.Client
	sender     Sender
	publisher  Publisher
	logger     *log.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSender enables the telegram route.
func WithSender(s Sender) Option {
	return func(d *Dispatcher) { d.sender = s }
}

// WithPublisher enables the nats route.
func WithPublisher(p Publisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

// WithLogger sets the logger used by the log route and for failures.
func WithLogger(l *log.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithHTTPClient replaces the webhook client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// NewDispatcher creates a dispatcher. With no routes configured it logs.
func NewDispatcher(cfg Config, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "pollution"
	}
	d := &Dispatcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.SetRoutes(cfg.Routes)
	return d
}

// SetRoutes replaces the active routes; used on config reload.
func (d *Dispatcher) SetRoutes(routes []string) {
	clean := make([]string, 0, len(routes))
	for _, r := range routes {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			clean = append(clean, r)
		}
	}
	if len(clean) == 0 {
		clean = []string{RouteLog}
	}
	d.mu.Lock()
	d.routes = clean
	d.mu.Unlock()
}

// Routes returns the active routes.
func (d *Dispatcher) Routes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.routes...)
}

// Notify dispatches the notice and returns the joined errors of the
// routes that failed.
func (d *Dispatcher) Notify(ctx context.Context, notice *Notice) error {
	var errs []error
	for _, r := range d.Dispatch(ctx, notice) {
		if !r.Success {
			errs = append(errs, fmt.Errorf("%s: %s", r.Channel, r.Error))
		}
	}
	return errors.Join(errs...)
}

// Dispatch sends the notice to all routes concurrently and reports the
// outcome of each, in route order.
func (d *Dispatcher) Dispatch(ctx context.Context, notice *Notice) []DispatchResult {
	if notice == nil {
		return []DispatchResult{{Channel: "none", Error: "nil notice"}}
	}
	routes := d.Routes()
	results := make([]DispatchResult, len(routes))

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	var g errgroup.Group
	for i, route := range routes {
		g.Go(func() error {
			results[i] = DispatchResult{Channel: route, Success: true}
			if err := d.dispatchToChannel(ctx, notice, route); err != nil {
				results[i].Success = false
				results[i].Error = err.Error()
				d.logger.Warn("notification delivery failed", "route", route, "kind", notice.Kind, "report", notice.ReportID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) dispatchToChannel(ctx context.Context, notice *Notice, channel string) error {
	switch channel {
	case RouteLog:
		d.logNotification(notice)
		return nil
	case RouteWebhook:
		if d.cfg.WebhookURL == "" {
			return fmt.Errorf("no webhook URL configured")
		}
		return d.sendWebhook(ctx, notice)
	case RouteTelegram:
		if d.sender == nil {
			return fmt.Errorf("no telegram sender configured (set bot.token)")
		}
		return d.sendTelegram(ctx, notice)
	case RouteNATS:
		if d.publisher == nil {
			return fmt.Errorf("no NATS connection configured (set nats.url)")
		}
		return d.publishNATS(notice)
	default:
		return fmt.Errorf("unknown channel type: %s", channel)
	}
}

func (d *Dispatcher) logNotification(n *Notice) {
	handles := make([]int64, 0, len(n.Recipients))
	for _, r := range n.Recipients {
		handles = append(handles, r.Handle)
	}
	d.logger.Info("📬 notification",
		"kind", n.Kind,
		"report", n.ReportID,
		"actor", n.ActorName,
		"has_photo", n.HasPhoto,
		"recipients", handles,
	)
}

func (d *Dispatcher) sendTelegram(ctx context.Context, n *Notice) error {
	var errs []error
	for _, r := range n.Recipients {
		if err := d.sender.SendNotice(ctx, r.Handle, n.Text, n.Actions); err != nil {
			errs = append(errs, fmt.Errorf("send to %d: %w", r.Handle, err))
		}
	}
	return errors.Join(errs...)
}

// Subject returns the NATS subject for notices of kind.
func (d *Dispatcher) Subject(kind Kind) string {
	return d.cfg.SubjectPrefix + ".notifications." + string(kind)
}

func (d *Dispatcher) publishNATS(n *Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}
	return d.publisher.Publish(d.Subject(n.Kind), data)
}

// sendWebhook posts the notice as JSON, retrying network errors and 5xx
// responses until the dispatch timeout.
func (d *Dispatcher) sendWebhook(ctx context.Context, n *Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = d.cfg.Timeout

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Caspianwatch-Event", string(n.Kind))

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("webhook request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			err := fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			if resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx))
}
