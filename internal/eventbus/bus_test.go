package eventbus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/caspianwatch/caspianwatch/internal/logging"
)

type recordingHandler struct {
	id       string
	types    []EventType
	priority int
	err      error

	mu   sync.Mutex
	seen *[]string
}

func (h *recordingHandler) ID() string           { return h.id }
func (h *recordingHandler) Handles() []EventType { return h.types }
func (h *recordingHandler) Priority() int        { return h.priority }

func (h *recordingHandler) Handle(_ context.Context, _ *Event) error {
	h.mu.Lock()
	*h.seen = append(*h.seen, h.id)
	h.mu.Unlock()
	return h.err
}

func TestDispatchPriorityOrder(t *testing.T) {
	bus := New(logging.Discard())
	var seen []string
	bus.Register(&recordingHandler{id: "late", types: AllEventTypes(), priority: 90, seen: &seen})
	bus.Register(&recordingHandler{id: "early", types: AllEventTypes(), priority: 5, seen: &seen})
	bus.Register(&recordingHandler{id: "middle", types: []EventType{EventReportApproved}, priority: 50, seen: &seen})

	if err := bus.Dispatch(context.Background(), &Event{Type: EventReportApproved, ReportID: 1}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	want := []string{"early", "middle", "late"}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("seen[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestDispatchSkipsUnmatchedTypes(t *testing.T) {
	bus := New(logging.Discard())
	var seen []string
	bus.Register(&recordingHandler{id: "approve-only", types: []EventType{EventReportApproved}, seen: &seen})

	if err := bus.Dispatch(context.Background(), &Event{Type: EventReportCreated, ReportID: 1}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(seen) != 0 {
		t.Errorf("handler ran for unmatched event: %v", seen)
	}
}

func TestDispatchHandlerErrorDoesNotStopChain(t *testing.T) {
	bus := New(logging.Discard())
	var seen []string
	bus.Register(&recordingHandler{id: "broken", types: AllEventTypes(), priority: 1, err: errors.New("boom"), seen: &seen})
	bus.Register(&recordingHandler{id: "next", types: AllEventTypes(), priority: 2, seen: &seen})

	if err := bus.Dispatch(context.Background(), &Event{Type: EventReportCompleted, ReportID: 3}); err != nil {
		t.Fatalf("Dispatch returned handler error: %v", err)
	}
	if len(seen) != 2 || seen[1] != "next" {
		t.Errorf("seen = %v, want both handlers", seen)
	}
}

func TestDispatchNilEvent(t *testing.T) {
	bus := New(nil)
	if err := bus.Dispatch(context.Background(), nil); err == nil {
		t.Error("expected error for nil event")
	}
}

func TestDispatchSetsOccurredAt(t *testing.T) {
	bus := New(logging.Discard())
	ev := &Event{Type: EventReportCreated, ReportID: 1}
	if err := bus.Dispatch(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if ev.OccurredAt.IsZero() {
		t.Error("OccurredAt not set")
	}
}

func TestSubjectForEvent(t *testing.T) {
	if got := SubjectForEvent("", EventReportApproved); got != "pollution.events.ReportApproved" {
		t.Errorf("SubjectForEvent = %q", got)
	}
	if got := SubjectForEvent("caspian", EventReportCreated); got != "caspian.events.ReportCreated" {
		t.Errorf("SubjectForEvent = %q", got)
	}
	if got := consumerSuffix("pollution.events.>"); got != "pollution_events__" {
		t.Errorf("consumerSuffix = %q", got)
	}
}

func TestExternalHandler(t *testing.T) {
	if _, err := NewExternalHandler(ExternalHandlerConfig{Command: "true"}); err == nil {
		t.Error("expected error for missing id")
	}
	if _, err := NewExternalHandler(ExternalHandlerConfig{ID: "x"}); err == nil {
		t.Error("expected error for missing command")
	}
	if _, err := NewExternalHandler(ExternalHandlerConfig{ID: "x", Command: "true", Events: []string{"Nope"}}); err == nil {
		t.Error("expected error for unknown event type")
	}

	out := filepath.Join(t.TempDir(), "event.json")
	h, err := NewExternalHandler(ExternalHandlerConfig{
		ID:      "capture",
		Command: "cat > " + out,
		Events:  []string{string(EventReportApproved)},
	})
	if err != nil {
		t.Fatalf("NewExternalHandler: %v", err)
	}
	if h.Priority() != 50 {
		t.Errorf("default priority = %d, want 50", h.Priority())
	}
	if err := h.Handle(context.Background(), &Event{Type: EventReportApproved, ReportID: 42}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"report_id":42`) {
		t.Errorf("stdin payload = %s", data)
	}

	failing, _ := NewExternalHandler(ExternalHandlerConfig{ID: "fail", Command: "echo nope >&2; exit 3"})
	err = failing.Handle(context.Background(), &Event{Type: EventReportCreated})
	if err == nil || !strings.Contains(err.Error(), "exit 3: nope") {
		t.Errorf("Handle error = %v, want exit 3 with stderr", err)
	}
}

func TestDefaultHandlers(t *testing.T) {
	hs, err := DefaultHandlers(logging.Discard(), []ExternalHandlerConfig{{ID: "hook", Command: "true"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(hs) != 2 || hs[0].ID() != "log" || hs[1].ID() != "hook" {
		t.Errorf("DefaultHandlers = %v", hs)
	}
	if _, err := DefaultHandlers(logging.Discard(), []ExternalHandlerConfig{{ID: "bad"}}); err == nil {
		t.Error("expected error for invalid external handler")
	}
}
