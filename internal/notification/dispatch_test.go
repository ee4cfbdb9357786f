package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/caspianwatch/caspianwatch/internal/types"
)

func handle(v int64) *int64 { return &v }

func quietLogger(buf *bytes.Buffer) *log.Logger {
	return log.NewWithOptions(buf, log.Options{Level: log.DebugLevel})
}

func TestBuildAdminNotice(t *testing.T) {
	actor := &types.Identity{ID: 3, Username: "vol", FirstName: "Asel", LastName: "Nurlanova"}
	reviewers := []*types.Identity{
		{ID: 1, Username: "root", IsSuperuser: true, TelegramID: handle(100)},
		{ID: 2, Username: "mgr", Role: types.RoleManager, TelegramID: handle(200)},
		{ID: 4, Username: "nohandle", Role: types.RoleAdmin},
		{ID: 2, Username: "mgr", Role: types.RoleManager, TelegramID: handle(200)},
	}

	n := BuildAdminNotice(17, actor, true, reviewers)

	if n.Kind != KindCompletion {
		t.Errorf("Kind = %q, want %q", n.Kind, KindCompletion)
	}
	if n.ReportID != 17 || n.ActorID != 3 {
		t.Errorf("ReportID/ActorID = %d/%d, want 17/3", n.ReportID, n.ActorID)
	}
	if n.ActorName != "Asel Nurlanova" {
		t.Errorf("ActorName = %q", n.ActorName)
	}
	if !n.HasPhoto {
		t.Error("HasPhoto = false, want true")
	}
	if len(n.Recipients) != 2 || n.Recipients[0].Handle != 100 || n.Recipients[1].Handle != 200 {
		t.Errorf("Recipients = %+v, want handles [100 200]", n.Recipients)
	}
	if !strings.Contains(n.Text, "#17") || !strings.Contains(n.Text, "Фото приложено") {
		t.Errorf("Text = %q", n.Text)
	}
	if len(n.Actions) != 2 || n.Actions[0].Data != "rev_ok:17" || n.Actions[1].Data != "rev_no:17" {
		t.Errorf("Actions = %+v", n.Actions)
	}

	n = BuildAdminNotice(18, actor, false, nil)
	if len(n.Recipients) != 0 {
		t.Errorf("Recipients = %+v, want none", n.Recipients)
	}
	if !strings.Contains(n.Text, "Фото не приложено") {
		t.Errorf("Text = %q", n.Text)
	}
}

func TestBuildApprovalAndRejectionNotices(t *testing.T) {
	reviewer := &types.Identity{ID: 1, Username: "mgr"}
	completer := &types.Identity{ID: 2, Username: "vol", TelegramID: handle(222)}
	reporter := &types.Identity{ID: 3, Username: "citizen", TelegramID: handle(333)}

	n := BuildApprovalNotice(5, reviewer, completer, reporter)
	if n.Kind != KindApproval || len(n.Recipients) != 2 {
		t.Errorf("approval notice = %+v", n)
	}

	n = BuildApprovalNotice(5, reviewer, completer, completer)
	if len(n.Recipients) != 1 {
		t.Errorf("completer who also reported should be notified once, got %+v", n.Recipients)
	}

	n = BuildRejectionNotice(5, reviewer, completer)
	if n.Kind != KindRejection || len(n.Recipients) != 1 || n.Recipients[0].Handle != 222 {
		t.Errorf("rejection notice = %+v", n)
	}

	n = BuildRejectionNotice(5, reviewer, nil)
	if len(n.Recipients) != 0 {
		t.Errorf("rejection without completer has recipients %+v", n.Recipients)
	}
}

func TestDefaultRoutes(t *testing.T) {
	d := NewDispatcher(Config{})
	if got := d.Routes(); len(got) != 1 || got[0] != RouteLog {
		t.Errorf("Routes() = %v, want [log]", got)
	}

	d.SetRoutes([]string{" Webhook ", "", "nats"})
	if got := d.Routes(); len(got) != 2 || got[0] != RouteWebhook || got[1] != RouteNATS {
		t.Errorf("Routes() = %v, want [webhook nats]", got)
	}
}

func TestDispatchLog(t *testing.T) {
	var buf bytes.Buffer
	d := NewDispatcher(Config{Routes: []string{RouteLog}}, WithLogger(quietLogger(&buf)))

	results := d.Dispatch(context.Background(), &Notice{Kind: KindCompletion, ReportID: 9})
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v", results)
	}
	if !strings.Contains(buf.String(), "report=9") {
		t.Errorf("log output %q does not mention the report", buf.String())
	}
}

func TestDispatchWebhook(t *testing.T) {
	var got Notice
	var event string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		event = r.Header.Get("X-Caspianwatch-Event")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	d := NewDispatcher(Config{Routes: []string{RouteWebhook}, WebhookURL: server.URL})
	err := d.Notify(context.Background(), &Notice{Kind: KindApproval, ReportID: 4, Text: "ok"})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if event != "approval" {
		t.Errorf("X-Caspianwatch-Event = %q, want approval", event)
	}
	if got.ReportID != 4 || got.Text != "ok" {
		t.Errorf("webhook received %+v", got)
	}
}

func TestDispatchWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(Config{Routes: []string{RouteWebhook}, WebhookURL: server.URL, Timeout: 5 * time.Second})
	if err := d.Notify(context.Background(), &Notice{Kind: KindCompletion}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("webhook called %d times, want 3", calls.Load())
	}
}

func TestDispatchWebhookClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer server.Close()

	var buf bytes.Buffer
	d := NewDispatcher(Config{Routes: []string{RouteWebhook}, WebhookURL: server.URL}, WithLogger(quietLogger(&buf)))
	results := d.Dispatch(context.Background(), &Notice{Kind: KindCompletion})
	if results[0].Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(results[0].Error, "400") {
		t.Errorf("Error = %q, want status 400", results[0].Error)
	}
	if calls.Load() != 1 {
		t.Errorf("webhook called %d times, want 1", calls.Load())
	}
}

type fakeSender struct {
	mu   sync.Mutex
	sent map[int64]string
	fail int64
}

func (f *fakeSender) SendNotice(_ context.Context, h int64, text string, _ []Action) error {
	if h == f.fail {
		return errors.New("chat not found")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[int64]string{}
	}
	f.sent[h] = text
	return nil
}

type fakePublisher struct {
	subject string
	data    []byte
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subject, f.data = subject, data
	return nil
}

func TestDispatchFanOut(t *testing.T) {
	sender := &fakeSender{fail: 300}
	pub := &fakePublisher{}
	var buf bytes.Buffer
	d := NewDispatcher(
		Config{Routes: []string{RouteTelegram, RouteNATS, "carrier-pigeon"}, SubjectPrefix: "caspian"},
		WithSender(sender), WithPublisher(pub), WithLogger(quietLogger(&buf)),
	)

	notice := &Notice{
		Kind:     KindCompletion,
		ReportID: 12,
		Text:     "done",
		Recipients: []Recipient{
			{IdentityID: 1, Handle: 100},
			{IdentityID: 2, Handle: 300},
		},
	}
	results := d.Dispatch(context.Background(), notice)
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}

	if results[0].Channel != RouteTelegram || results[0].Success {
		t.Errorf("telegram result = %+v, want partial failure", results[0])
	}
	if sender.sent[100] != "done" {
		t.Errorf("handle 100 got %q", sender.sent[100])
	}

	if !results[1].Success || pub.subject != "caspian.notifications.completion" {
		t.Errorf("nats result = %+v subject = %q", results[1], pub.subject)
	}
	var decoded Notice
	if err := json.Unmarshal(pub.data, &decoded); err != nil || decoded.ReportID != 12 {
		t.Errorf("published %s (%v)", pub.data, err)
	}

	if results[2].Success || !strings.Contains(results[2].Error, "unknown channel") {
		t.Errorf("unknown route result = %+v", results[2])
	}

	if err := d.Notify(context.Background(), notice); err == nil {
		t.Error("Notify should report failed routes")
	}
}

func TestDispatchMissingCollaborators(t *testing.T) {
	var buf bytes.Buffer
	d := NewDispatcher(Config{Routes: []string{RouteTelegram, RouteNATS, RouteWebhook}}, WithLogger(quietLogger(&buf)))
	for _, r := range d.Dispatch(context.Background(), &Notice{Kind: KindRejection}) {
		if r.Success {
			t.Errorf("route %s succeeded without configuration", r.Channel)
		}
	}
}
