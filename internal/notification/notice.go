package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caspianwatch/caspianwatch/internal/types"
)

// Kind names the lifecycle change a notice reports.
type Kind string

const (
	KindCompletion Kind = "completion" // to reviewers: work is waiting for review
	KindApproval   Kind = "approval"   // to the completer and the reporter
	KindRejection  Kind = "rejection"  // to the completer
)

// Callback data prefixes of the review buttons attached to completion notices.
const (
	ActionApprove = "rev_ok:"
	ActionReject  = "rev_no:"
)

// Recipient is an identity reachable through its bound handle.
type Recipient struct {
	IdentityID int64  `json:"identity_id"`
	Handle     int64  `json:"telegram_id"`
	Name       string `json:"name"`
}

// Action is an inline button offered with the message.
type Action struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// Notice is a request to inform recipients of a lifecycle change. It is
// built after the change has committed; delivery failures never undo it.
type Notice struct {
	Kind       Kind        `json:"kind"`
	ReportID   int64       `json:"report_id"`
	ActorID    int64       `json:"actor_id"`
	ActorName  string      `json:"actor_name"`
	HasPhoto   bool        `json:"has_photo"`
	Recipients []Recipient `json:"recipients"`
	Text       string      `json:"text"`
	Actions    []Action    `json:"actions,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Notifier delivers notices.
type Notifier interface {
	Notify(ctx context.Context, notice *Notice) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, notice *Notice) error

func (f NotifierFunc) Notify(ctx context.Context, notice *Notice) error {
	return f(ctx, notice)
}

// Nop discards every notice.
var Nop Notifier = NotifierFunc(func(context.Context, *Notice) error { return nil })

// recipientsOf keeps identities with a bound handle, dropping duplicates.
func recipientsOf(ids ...*types.Identity) []Recipient {
	seen := make(map[int64]bool, len(ids))
	out := make([]Recipient, 0, len(ids))
	for _, id := range ids {
		if !id.HasHandle() || seen[id.ID] {
			continue
		}
		seen[id.ID] = true
		out = append(out, Recipient{IdentityID: id.ID, Handle: *id.TelegramID, Name: id.DisplayName()})
	}
	return out
}

// BuildAdminNotice announces a completed report to the reviewers that have
// a bound handle. The message offers approve and reject buttons.
func BuildAdminNotice(reportID int64, actor *types.Identity, hasPhoto bool, reviewers []*types.Identity) *Notice {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Работа по загрязнению #%d выполнена\n", reportID)
	fmt.Fprintf(&b, "👤 Исполнитель: %s\n", actor.DisplayName())
	if hasPhoto {
		b.WriteString("📷 Фото приложено")
	} else {
		b.WriteString("📷 Фото не приложено")
	}
	return &Notice{
		Kind:       KindCompletion,
		ReportID:   reportID,
		ActorID:    actor.ID,
		ActorName:  actor.DisplayName(),
		HasPhoto:   hasPhoto,
		Recipients: recipientsOf(reviewers...),
		Text:       b.String(),
		Actions: []Action{
			{Label: "✅ Подтвердить", Data: fmt.Sprintf("%s%d", ActionApprove, reportID)},
			{Label: "❌ Отклонить", Data: fmt.Sprintf("%s%d", ActionReject, reportID)},
		},
		CreatedAt: time.Now().UTC(),
	}
}

// BuildApprovalNotice thanks the completer and tells the reporter the
// pollution was cleaned up. Either may be nil.
func BuildApprovalNotice(reportID int64, reviewer, completer, reporter *types.Identity) *Notice {
	text := fmt.Sprintf("🎉 Работа по загрязнению #%d подтверждена. Спасибо за помощь!", reportID)
	if completer == nil && reporter != nil {
		text = fmt.Sprintf("✅ Загрязнение #%d, о котором вы сообщили, устранено.", reportID)
	}
	return &Notice{
		Kind:       KindApproval,
		ReportID:   reportID,
		ActorID:    reviewer.ID,
		ActorName:  reviewer.DisplayName(),
		Recipients: recipientsOf(completer, reporter),
		Text:       text,
		CreatedAt:  time.Now().UTC(),
	}
}

// BuildRejectionNotice asks the completer to redo the work.
func BuildRejectionNotice(reportID int64, reviewer, completer *types.Identity) *Notice {
	return &Notice{
		Kind:       KindRejection,
		ReportID:   reportID,
		ActorID:    reviewer.ID,
		ActorName:  reviewer.DisplayName(),
		Recipients: recipientsOf(completer),
		Text:       fmt.Sprintf("⚠️ Работа по загрязнению #%d отклонена. Пожалуйста, выполните её повторно и отправьте новое фото.", reportID),
		CreatedAt:  time.Now().UTC(),
	}
}
