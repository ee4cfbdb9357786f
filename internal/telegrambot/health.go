package telegrambot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// WebhookPath is where Telegram posts updates in webhook mode.
const WebhookPath = "/webhook"

// WebhookHandler accepts updates pushed by Telegram. Each update is handled
// before the response is written so Telegram redelivers it on failure.
func (b *Bot) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var upd tgbotapi.Update
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&upd); err != nil {
			b.logger.Warn("malformed webhook update", "err", err)
			http.Error(w, "bad update", http.StatusBadRequest)
			return
		}
		b.HandleUpdate(context.WithoutCancel(r.Context()), upd)
		w.WriteHeader(http.StatusOK)
	})
}

// HealthServer serves liveness and readiness probes, and the webhook
// endpoint when the bot runs in webhook mode.
type HealthServer struct {
	bot    *Bot
	addr   string
	server *http.Server
}

// NewHealthServer creates a health server for bot listening on addr.
func NewHealthServer(bot *Bot, addr string) *HealthServer {
	return &HealthServer{bot: bot, addr: addr}
}

// Handler returns the routes served by the health server.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// liveness: updates are flowing
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if h.bot.IsConnected() {
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("disconnected"))
	})

	// The bot keeps sessions while Telegram is unreachable, so it is ready
	// as soon as it exists.
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ready"))
	})

	if h.bot.cfg.UseWebhook {
		mux.Handle("POST "+WebhookPath, h.bot.WebhookHandler())
	}
	return mux
}

// Start serves until ctx is cancelled. Call it in a goroutine.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server listen on %s: %w", h.addr, err)
	}
	h.server = &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	h.bot.logger.Info("health server listening", "addr", ln.Addr().String(), "webhook", h.bot.cfg.UseWebhook)

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("health server error: %w", err)
	}
}
