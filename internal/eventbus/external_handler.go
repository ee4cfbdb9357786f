package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ExternalHandlerConfig is the serializable configuration for an external
// handler, read from the events.handlers list in the config file.
type ExternalHandlerConfig struct {
	ID       string   `json:"id" mapstructure:"id" yaml:"id"`
	Command  string   `json:"command" mapstructure:"command" yaml:"command"` // Shell command to run
	Events   []string `json:"events" mapstructure:"events" yaml:"events"`    // Event types to handle; empty means all
	Priority int      `json:"priority,omitempty" mapstructure:"priority" yaml:"priority,omitempty"`
	Shell    string   `json:"shell,omitempty" mapstructure:"shell" yaml:"shell,omitempty"`
}

// ExternalHandler runs a shell command for each matching event.
//
// Protocol:
//   - Event JSON is passed on stdin
//   - Exit 0 = success
//   - Any other exit = error (logged, chain continues)
type ExternalHandler struct {
	config ExternalHandlerConfig
	events []EventType
}

// NewExternalHandler creates a handler from its config.
func NewExternalHandler(cfg ExternalHandlerConfig) (*ExternalHandler, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("external handler: id is required")
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("external handler %s: command is required", cfg.ID)
	}
	if cfg.Priority == 0 {
		cfg.Priority = 50
	}
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}

	known := make(map[EventType]bool)
	for _, t := range AllEventTypes() {
		known[t] = true
	}
	var events []EventType
	for _, e := range cfg.Events {
		t := EventType(e)
		if !known[t] {
			return nil, fmt.Errorf("external handler %s: unknown event type %q", cfg.ID, e)
		}
		events = append(events, t)
	}
	if len(events) == 0 {
		events = AllEventTypes()
	}
	return &ExternalHandler{config: cfg, events: events}, nil
}

func (h *ExternalHandler) ID() string           { return h.config.ID }
func (h *ExternalHandler) Handles() []EventType { return h.events }
func (h *ExternalHandler) Priority() int        { return h.config.Priority }

// Config returns the handler configuration.
func (h *ExternalHandler) Config() ExternalHandlerConfig { return h.config }

func (h *ExternalHandler) Handle(ctx context.Context, event *Event) error {
	input, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("external handler %s: marshal event: %w", h.config.ID, err)
	}

	cmd := exec.CommandContext(ctx, h.config.Shell, "-c", h.config.Command) // #nosec G204 - command comes from the operator's config file
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = strings.TrimSpace(stdout.String())
			}
			return fmt.Errorf("external handler %s: exit %d: %s", h.config.ID, exitErr.ExitCode(), msg)
		}
		return fmt.Errorf("external handler %s: exec: %w", h.config.ID, err)
	}
	return nil
}
