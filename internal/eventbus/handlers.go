package eventbus

import (
	"context"

	"github.com/charmbracelet/log"
)

// LogHandler writes every event to the logger. Priority 10 (runs first).
type LogHandler struct {
	Logger *log.Logger
}

func (h *LogHandler) ID() string           { return "log" }
func (h *LogHandler) Handles() []EventType { return AllEventTypes() }
func (h *LogHandler) Priority() int        { return 10 }

func (h *LogHandler) Handle(_ context.Context, event *Event) error {
	h.Logger.Info("report event",
		"event", event.Type,
		"report", event.ReportID,
		"actor", event.ActorID,
	)
	return nil
}

// FuncHandler adapts a function to Handler.
type FuncHandler struct {
	Name     string
	Types    []EventType
	Order    int
	Callback func(ctx context.Context, event *Event) error
}

func (h *FuncHandler) ID() string           { return h.Name }
func (h *FuncHandler) Handles() []EventType { return h.Types }
func (h *FuncHandler) Priority() int        { return h.Order }

func (h *FuncHandler) Handle(ctx context.Context, event *Event) error {
	return h.Callback(ctx, event)
}

// DefaultHandlers returns the handlers every process registers, plus one
// external handler per configured entry.
func DefaultHandlers(logger *log.Logger, external []ExternalHandlerConfig) ([]Handler, error) {
	handlers := []Handler{&LogHandler{Logger: logger}}
	for _, cfg := range external {
		h, err := NewExternalHandler(cfg)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, h)
	}
	return handlers, nil
}
