// Package telegrambot implements the Telegram front end of caspianwatch.
// Citizens report pollution through a guided dialogue; volunteers browse
// and take announcements; reviewers approve or reject completed work from
// the notice buttons. All state changes go through the REST API.
package telegrambot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/caspianwatch/caspianwatch/internal/logging"
	"github.com/caspianwatch/caspianwatch/internal/notification"
)

// DefaultPageSize is the number of announcements shown per page.
const DefaultPageSize = 5

// maxPhotoSize bounds photo downloads from Telegram.
const maxPhotoSize = 20 << 20

// Config holds bot behaviour settings.
type Config struct {
	PageSize    int
	PollTimeout int // long-polling timeout in seconds

	UseWebhook bool
	WebhookURL string

	// AnnounceChat receives new reports and messages for the administration.
	AnnounceChat int64

	// NotifyAdmins makes the bot deliver the reviewer announcement itself
	// after a completion. Leave it off when the API server already routes
	// notices to Telegram.
	NotifyAdmins bool
}

// Bot is the Telegram bot.
type Bot struct {
	api        TelegramAPI
	backend    Backend
	state      StateStore
	logger     *log.Logger
	cfg        Config
	httpClient *http.Client

	connected atomic.Bool
}

// Verify Bot can deliver notices at compile time
var _ notification.Sender = (*Bot)(nil)

// New creates a bot. A nil logger uses the default logger.
func New(cfg Config, api TelegramAPI, backend Backend, state StateStore, logger *log.Logger) (*Bot, error) {
	switch {
	case api == nil:
		return nil, errors.New("telegrambot: telegram api is required")
	case backend == nil:
		return nil, errors.New("telegrambot: backend is required")
	case state == nil:
		return nil, errors.New("telegrambot: state store is required")
	case cfg.UseWebhook && cfg.WebhookURL == "":
		return nil, errors.New("telegrambot: webhook mode requires a webhook url")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 60
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Bot{
		api:        api,
		backend:    backend,
		state:      state,
		logger:     logger.WithPrefix("telegrambot"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: time.Minute},
	}, nil
}

// IsConnected reports whether the bot is receiving updates.
func (b *Bot) IsConnected() bool {
	return b.connected.Load()
}

// Run receives updates until ctx is cancelled. In webhook mode it
// registers the webhook and waits; updates arrive through WebhookHandler.
func (b *Bot) Run(ctx context.Context) error {
	if b.cfg.UseWebhook {
		wh, err := tgbotapi.NewWebhook(b.cfg.WebhookURL)
		if err != nil {
			return fmt.Errorf("invalid webhook url: %w", err)
		}
		if _, err := b.api.Request(wh); err != nil {
			return fmt.Errorf("set webhook: %w", err)
		}
		b.logger.Info("webhook registered", "url", b.cfg.WebhookURL)
		b.connected.Store(true)
		<-ctx.Done()
		b.connected.Store(false)
		return nil
	}

	// A leftover webhook makes getUpdates fail.
	if _, err := b.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		b.logger.Warn("failed to delete webhook", "err", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.PollTimeout
	updates := b.api.GetUpdatesChan(u)
	b.connected.Store(true)
	b.logger.Info("polling for updates", "timeout", b.cfg.PollTimeout)
	defer b.connected.Store(false)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case upd, ok := <-updates:
			if !ok {
				return errors.New("telegram update channel closed")
			}
			b.HandleUpdate(ctx, upd)
		}
	}
}

// HandleUpdate processes a single update. Failures are reported to the
// user and logged; they never stop the bot.
func (b *Bot) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.CallbackQuery != nil:
		b.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil:
		b.handleMessage(ctx, upd.Message)
	}
}

func senderID(m *tgbotapi.Message) int64 {
	if m.From != nil {
		return m.From.ID
	}
	return m.Chat.ID
}

func (b *Bot) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	if m.Chat == nil {
		return
	}
	chatID := m.Chat.ID
	text := strings.TrimSpace(m.Text)

	if m.IsCommand() && m.Command() == "start" {
		b.reset(ctx, chatID)
		b.reply(chatID, welcomeText, mainMenu())
		return
	}
	if text == btnCancel {
		b.reset(ctx, chatID)
		b.reply(chatID, "Действие отменено.", mainMenu())
		return
	}
	if isMenuButton(text) {
		b.reset(ctx, chatID)
		b.handleMenu(ctx, m, text)
		return
	}

	sess, err := b.state.Get(ctx, chatID)
	if err != nil {
		b.logger.Error("failed to load session", "chat", chatID, "err", err)
		b.reply(chatID, msgTryLater, mainMenu())
		return
	}

	switch sess.Step {
	case StepReportPhoto:
		b.onReportPhoto(ctx, m, sess)
	case StepReportType:
		b.onReportType(ctx, m, sess)
	case StepReportDesc:
		b.onReportDescription(ctx, m, sess)
	case StepReportLocation:
		b.onReportLocation(ctx, m, sess)
	case StepReportPhone:
		b.onReportPhone(ctx, m, sess)
	case StepLinkLogin:
		b.onLinkLogin(ctx, m, sess)
	case StepLinkPassword:
		b.onLinkPassword(ctx, m, sess)
	case StepAdminMessage:
		b.onAdminMessage(ctx, m)
	case StepCompletionPhoto:
		b.onCompletionPhoto(ctx, m, sess)
	default:
		b.reply(chatID, "Выберите нужный пункт в меню ниже.", mainMenu())
	}
}

func (b *Bot) handleMenu(ctx context.Context, m *tgbotapi.Message, text string) {
	chatID := m.Chat.ID
	switch text {
	case btnReport:
		b.save(ctx, chatID, &Session{Step: StepReportPhoto})
		b.reply(chatID, "📷 Пришлите, пожалуйста, <b>фото</b> проблемы.", cancelKeyboard())
	case btnAnnounces:
		b.sendAnnouncements(ctx, chatID, 1, "")
	case btnMyWork:
		b.sendMyWork(ctx, chatID, senderID(m), 1, "")
	case btnProfile:
		b.sendProfile(ctx, m)
	case btnContact:
		b.save(ctx, chatID, &Session{Step: StepAdminMessage})
		b.reply(chatID, "✉️ Напишите сообщение для администрации. После отправки администратор сможет ответить вам.", cancelKeyboard())
	case btnLink:
		b.save(ctx, chatID, &Session{Step: StepLinkLogin})
		b.reply(chatID, "Введите логин аккаунта", cancelKeyboard())
	}
}

// Report dialogue: photo → type → description → location → phone.

func (b *Bot) onReportPhoto(ctx context.Context, m *tgbotapi.Message, sess *Session) {
	if len(m.Photo) == 0 {
		b.reply(m.Chat.ID, "Нужно прислать именно <b>фото</b>. Попробуйте ещё раз.", nil)
		return
	}
	sess.PhotoFileID = m.Photo[len(m.Photo)-1].FileID
	sess.Step = StepReportType
	b.save(ctx, m.Chat.ID, sess)

	cats, err := b.backend.Categories(ctx)
	if err != nil || len(cats) == 0 {
		if err != nil {
			b.logger.Warn("failed to load categories", "err", err)
		}
		b.reply(m.Chat.ID, "🔎 Укажите тип проблемы", cancelKeyboard())
		return
	}
	b.reply(m.Chat.ID, "🔎 Укажите тип проблемы", categoryKeyboard(cats))
}

func (b *Bot) onReportType(ctx context.Context, m *tgbotapi.Message, sess *Session) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		b.reply(m.Chat.ID, "Выберите тип проблемы кнопкой ниже.", nil)
		return
	}
	// The API matches category names exactly, so keep its spelling.
	if cats, err := b.backend.Categories(ctx); err == nil && len(cats) > 0 {
		name, ok := findCategory(cats, text)
		if !ok {
			b.reply(m.Chat.ID, "Такого типа нет. Выберите тип проблемы кнопкой ниже.", categoryKeyboard(cats))
			return
		}
		text = name
	}
	sess.Category = text
	sess.Step = StepReportDesc
	b.save(ctx, m.Chat.ID, sess)
	b.reply(m.Chat.ID, "✏️ Опишите, пожалуйста, проблему подробнее.", cancelKeyboard())
}

// findCategory returns the canonical name of the category matching name
// case-insensitively.
func findCategory(cats []Category, name string) (string, bool) {
	for _, c := range cats {
		if strings.EqualFold(c.Name, name) {
			return c.Name, true
		}
	}
	return "", false
}

func (b *Bot) onReportDescription(ctx context.Context, m *tgbotapi.Message, sess *Session) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		b.reply(m.Chat.ID, "Опишите проблему текстом.", nil)
		return
	}
	sess.Description = text
	sess.Step = StepReportLocation
	b.save(ctx, m.Chat.ID, sess)
	b.reply(m.Chat.ID, "📍 Отправьте, пожалуйста, вашу <b>геолокацию</b> (кнопкой «Отправить геолокацию»).", locationKeyboard())
}

func (b *Bot) onReportLocation(ctx context.Context, m *tgbotapi.Message, sess *Session) {
	if m.Location == nil {
		b.reply(m.Chat.ID, "Нужно отправить <b>геолокацию</b>, а не текст. Попробуйте ещё раз.", nil)
		return
	}
	sess.Latitude = m.Location.Latitude
	sess.Longitude = m.Location.Longitude
	sess.Step = StepReportPhone
	b.save(ctx, m.Chat.ID, sess)
	b.reply(m.Chat.ID, "📞 Если хотите, отправьте номер телефона (текстом или контакт‑карточкой).\n"+
		"Если не хотите оставлять номер, нажмите «Пропустить».", phoneKeyboard())
}

func (b *Bot) onReportPhone(ctx context.Context, m *tgbotapi.Message, sess *Session) {
	chatID := m.Chat.ID
	var phone string
	switch {
	case m.Contact != nil:
		phone = m.Contact.PhoneNumber
	case isSkip(m.Text):
	default:
		phone = strings.TrimSpace(m.Text)
	}
	b.reset(ctx, chatID)

	photo, err := b.downloadPhoto(ctx, sess.PhotoFileID)
	if err != nil {
		b.logger.Error("failed to download report photo", "chat", chatID, "err", err)
		b.reply(chatID, "⚠️ Не удалось получить фото. Попробуйте отправить заявку ещё раз.", mainMenu())
		return
	}
	draft := ReportDraft{
		Latitude:    sess.Latitude,
		Longitude:   sess.Longitude,
		Category:    sess.Category,
		Description: sess.Description,
		PhoneNumber: phone,
	}

	// Linked users are recorded as the reporter; everyone else submits
	// anonymously.
	report, err := b.backend.CreateReport(ctx, senderID(m), draft, bytes.NewReader(photo))
	if IsUnauthorized(err) {
		report, err = b.backend.CreateReport(ctx, 0, draft, bytes.NewReader(photo))
	}
	if err != nil {
		b.logger.Error("failed to create report", "chat", chatID, "err", err)
		b.reply(chatID, "⚠️ "+apiMessage(err, "Произошла ошибка при сохранении вашей заявки. Попробуйте позже."), mainMenu())
		return
	}
	b.reply(chatID, fmt.Sprintf("✅ Спасибо! Заявка #%d отправлена администрации и волонтёрам.", report.ID), mainMenu())
}

// Account linking.

func (b *Bot) onLinkLogin(ctx context.Context, m *tgbotapi.Message, sess *Session) {
	login := strings.TrimSpace(m.Text)
	if login == "" {
		b.reply(m.Chat.ID, "Введите логин аккаунта", nil)
		return
	}
	sess.Login = login
	sess.Step = StepLinkPassword
	b.save(ctx, m.Chat.ID, sess)
	b.reply(m.Chat.ID, "Введите пароль", cancelKeyboard())
}

func (b *Bot) onLinkPassword(ctx context.Context, m *tgbotapi.Message, sess *Session) {
	chatID := m.Chat.ID
	b.reset(ctx, chatID)

	// Keep the password out of the chat history.
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, m.MessageID)); err != nil {
		b.logger.Debug("failed to delete password message", "chat", chatID, "err", err)
	}

	if err := b.backend.LinkAccount(ctx, sess.Login, m.Text, senderID(m)); err != nil {
		b.logger.Info("account link failed", "chat", chatID, "login", sess.Login, "err", err)
		b.reply(chatID, "⚠️ "+apiMessage(err, "Не удалось привязать аккаунт. Попробуйте позже."), mainMenu())
		return
	}
	b.reply(chatID, "✅ Аккаунт успешно привязан", mainMenu())
}

func (b *Bot) onAdminMessage(ctx context.Context, m *tgbotapi.Message) {
	chatID := m.Chat.ID
	text := strings.TrimSpace(m.Text)
	if text == "" {
		b.reply(chatID, "Напишите сообщение текстом.", nil)
		return
	}
	b.reset(ctx, chatID)

	if b.cfg.AnnounceChat != 0 {
		who := strconv.FormatInt(senderID(m), 10)
		if m.From != nil {
			who = displayName(m.From) + " (" + who + ")"
		}
		msg := fmt.Sprintf("✉️ <b>Сообщение от %s</b>\n\n%s", html.EscapeString(who), html.EscapeString(text))
		if err := b.sendNow(tgbotapi.NewMessage(b.cfg.AnnounceChat, msg)); err != nil {
			b.logger.Error("failed to forward message to administration", "err", err)
			b.reply(chatID, msgTryLater, mainMenu())
			return
		}
	} else {
		b.logger.Info("message for administration", "from", senderID(m), "text", text)
	}
	b.reply(chatID, "✅ Ваше сообщение отправлено администрации. Ожидайте ответа.", mainMenu())
}

func (b *Bot) onCompletionPhoto(ctx context.Context, m *tgbotapi.Message, sess *Session) {
	chatID := m.Chat.ID
	if len(m.Photo) == 0 {
		b.reply(chatID, "Нужно прислать <b>фото</b> выполненной работы.", nil)
		return
	}
	b.reset(ctx, chatID)

	photo, err := b.downloadPhoto(ctx, m.Photo[len(m.Photo)-1].FileID)
	if err != nil {
		b.logger.Error("failed to download completion photo", "chat", chatID, "err", err)
		b.reply(chatID, "⚠️ Не удалось получить фото. Попробуйте ещё раз.", mainMenu())
		return
	}
	handle := senderID(m)
	if _, err := b.backend.Complete(ctx, handle, sess.ReportID, bytes.NewReader(photo)); err != nil {
		b.reply(chatID, "⚠️ "+apiMessage(err, "Не удалось отметить работу выполненной. Попробуйте позже."), mainMenu())
		return
	}
	b.reply(chatID, fmt.Sprintf("✅ Работа по загрязнению #%d отправлена на проверку. Спасибо!", sess.ReportID), mainMenu())

	if b.cfg.NotifyAdmins {
		b.notifyAdmins(ctx, handle, sess.ReportID)
	}
}

// notifyAdmins asks the API for the reviewer announcement and delivers it.
func (b *Bot) notifyAdmins(ctx context.Context, handle, reportID int64) {
	notice, err := b.backend.NotifyAdmins(ctx, handle, reportID)
	if err != nil {
		b.logger.Error("failed to build admin notice", "report", reportID, "err", err)
		return
	}
	actions := make([]notification.Action, 0, len(notice.Actions))
	for _, a := range notice.Actions {
		actions = append(actions, notification.Action{Label: a.Label, Data: a.Data})
	}
	for _, admin := range notice.Admins {
		if err := b.SendNotice(ctx, admin, notice.Text, actions); err != nil {
			b.logger.Warn("failed to notify admin", "admin", admin, "report", reportID, "err", err)
		}
	}
}

// Lists.

func (b *Bot) sendAnnouncements(ctx context.Context, chatID int64, page int, asOf string) {
	resp, err := b.backend.Reports(ctx, page, b.cfg.PageSize, asOf)
	if err != nil {
		var ae *APIError
		if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
			b.reply(chatID, "Больше объявлений нет.", nil)
			return
		}
		b.logger.Error("failed to list reports", "page", page, "err", err)
		b.reply(chatID, "⚠️ Не удалось загрузить список объявлений. Попробуйте позже.", nil)
		return
	}
	if len(resp.Results) == 0 {
		b.reply(chatID, "Сейчас нет активных объявлений.", nil)
		return
	}
	for i := range resp.Results {
		r := &resp.Results[i]
		var kb *tgbotapi.InlineKeyboardMarkup
		if !r.IsCompleted {
			k := takeKeyboard(r.ID)
			kb = &k
		}
		b.sendReport(chatID, r, kb)
	}
	b.sendPager(chatID, cbAnnPage, page, resp)
}

func (b *Bot) sendMyWork(ctx context.Context, chatID, handle int64, page int, asOf string) {
	resp, err := b.backend.Assigned(ctx, handle, page, b.cfg.PageSize, asOf)
	if err != nil {
		if IsUnauthorized(err) {
			b.reply(chatID, apiMessage(err, msgLinkFirst), mainMenu())
			return
		}
		b.logger.Error("failed to list assigned reports", "handle", handle, "err", err)
		b.reply(chatID, "⚠️ Не удалось загрузить ваши работы. Попробуйте позже.", nil)
		return
	}
	if len(resp.Results) == 0 {
		b.reply(chatID, "У вас нет взятых в работу объявлений.", nil)
		return
	}
	for i := range resp.Results {
		kb := workKeyboard(resp.Results[i].ID)
		b.sendReport(chatID, &resp.Results[i], &kb)
	}
	b.sendPager(chatID, cbWorkPage, page, resp)
}

func (b *Bot) sendPager(chatID int64, prefix string, page int, resp *ReportPage) {
	pages := (resp.Count + b.cfg.PageSize - 1) / b.cfg.PageSize
	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Страница %d из %d", page, max(pages, 1)))
	if kb := pagerKeyboard(prefix, page, resp.Next != nil, resp.AsOf()); kb != nil {
		msg.ReplyMarkup = *kb
	}
	if err := b.sendNow(msg); err != nil {
		b.logger.Warn("failed to send pager", "chat", chatID, "err", err)
	}
}

var stateLabels = map[string]string{
	"open":             "🟢 Открыто",
	"assigned":         "🟡 В работе",
	"pending_approval": "🔵 На проверке",
	"approved":         "✅ Устранено",
}

func reportCaption(r *Report) string {
	desc := r.Description
	if desc == "" {
		desc = "—"
	}
	category := r.PollutionType
	if category == "" {
		category = "—"
	}
	state := stateLabels[r.State]
	if state == "" {
		state = r.State
	}
	return fmt.Sprintf("🆔 <b>ID:</b> %d\n📍 <b>Локация:</b> %.5f, %.5f\n⚠️ <b>Тип:</b> %s\n📝 <b>Описание:</b> %s\n📌 <b>Статус:</b> %s",
		r.ID, r.Latitude, r.Longitude, html.EscapeString(category), html.EscapeString(desc), state)
}

// sendReport posts the report photo with a caption, falling back to text
// when Telegram cannot fetch the image.
func (b *Bot) sendReport(chatID int64, r *Report, kb *tgbotapi.InlineKeyboardMarkup) {
	caption := reportCaption(r)
	if r.ImageURL != nil {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(*r.ImageURL))
		photo.Caption = caption
		photo.ParseMode = tgbotapi.ModeHTML
		if kb != nil {
			photo.ReplyMarkup = *kb
		}
		if _, err := b.api.Send(photo); err == nil {
			return
		}
	}
	msg := tgbotapi.NewMessage(chatID, caption)
	if kb != nil {
		msg.ReplyMarkup = *kb
	}
	if err := b.sendNow(msg); err != nil {
		b.logger.Warn("failed to send report", "chat", chatID, "report", r.ID, "err", err)
	}
}

func (b *Bot) sendProfile(ctx context.Context, m *tgbotapi.Message) {
	chatID := m.Chat.ID
	p, err := b.backend.Profile(ctx, senderID(m))
	if err != nil && !IsUnauthorized(err) {
		b.logger.Error("failed to load profile", "chat", chatID, "err", err)
		b.reply(chatID, msgTryLater, nil)
		return
	}

	var sb strings.Builder
	sb.WriteString("👤 <b>Профиль пользователя</b>\n\n")
	if p == nil {
		name, username := "—", "—"
		if m.From != nil {
			name = displayName(m.From)
			if m.From.UserName != "" {
				username = "@" + m.From.UserName
			}
		}
		fmt.Fprintf(&sb, "🧾 <b>Инфо:</b> %s\n", html.EscapeString(name))
		fmt.Fprintf(&sb, "🔗 <b>Юзернейм:</b> %s\n", html.EscapeString(username))
		sb.WriteString("🎭 <b>Роль:</b> пользователь (без привязки к аккаунту в системе)\n")
		b.reply(chatID, sb.String(), nil)
		return
	}

	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		name = p.Username
	}
	position := "—"
	if p.Position != nil {
		position = *p.Position
	}
	if p.IsSuperuser {
		position += " (суперпользователь)"
	}
	fmt.Fprintf(&sb, "🧾 <b>Инфо:</b> %s\n", html.EscapeString(name))
	fmt.Fprintf(&sb, "🔗 <b>Логин:</b> %s\n", html.EscapeString(p.Username))
	fmt.Fprintf(&sb, "🎭 <b>Роль:</b> %s\n", html.EscapeString(position))
	fmt.Fprintf(&sb, "🏅 <b>Выполнено работ:</b> %d\n", p.CompletedCount)
	b.reply(chatID, sb.String(), nil)
}

// Callbacks.

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if _, err := b.api.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		b.logger.Debug("failed to answer callback", "err", err)
	}
	if q.Message == nil || q.Message.Chat == nil {
		return
	}
	chatID := q.Message.Chat.ID
	handle := chatID
	if q.From != nil {
		handle = q.From.ID
	}

	// Pager buttons carry the listing position after an "@".
	data, asOf, _ := strings.Cut(q.Data, "@")
	prefix, arg, ok := splitCallback(data)
	if !ok {
		b.logger.Warn("malformed callback data", "data", q.Data)
		return
	}

	switch prefix {
	case cbAnnPage:
		b.sendAnnouncements(ctx, chatID, int(arg), asOf)
	case cbWorkPage:
		b.sendMyWork(ctx, chatID, handle, int(arg), asOf)
	case cbAnnTake:
		if _, err := b.backend.Assign(ctx, handle, arg); err != nil {
			b.reply(chatID, "⚠️ "+apiMessage(err, "Не удалось взять объявление в работу. Попробуйте позже."), nil)
			return
		}
		b.reply(chatID, fmt.Sprintf("✅ Вы взяли в работу объявление #%d. Спасибо за помощь!", arg), nil)
	case cbWorkDrop:
		if _, err := b.backend.Unassign(ctx, handle, arg); err != nil {
			b.reply(chatID, "⚠️ "+apiMessage(err, "Не удалось отказаться от объявления. Попробуйте позже."), nil)
			return
		}
		b.clearButtons(q.Message)
		b.reply(chatID, fmt.Sprintf("↩️ Вы отказались от объявления #%d.", arg), nil)
	case cbWorkDone:
		b.save(ctx, chatID, &Session{Step: StepCompletionPhoto, ReportID: arg})
		b.reply(chatID, fmt.Sprintf("📷 Пришлите фото выполненной работы по объявлению #%d.", arg), cancelKeyboard())
	case cbApprove:
		if _, err := b.backend.Approve(ctx, handle, arg); err != nil {
			b.reply(chatID, "⚠️ "+apiMessage(err, "Не удалось подтвердить работу. Попробуйте позже."), nil)
			return
		}
		b.clearButtons(q.Message)
		b.reply(chatID, fmt.Sprintf("✅ Работа по загрязнению #%d подтверждена.", arg), nil)
	case cbReject:
		if _, err := b.backend.Reject(ctx, handle, arg); err != nil {
			b.reply(chatID, "⚠️ "+apiMessage(err, "Не удалось отклонить работу. Попробуйте позже."), nil)
			return
		}
		b.clearButtons(q.Message)
		b.reply(chatID, fmt.Sprintf("❌ Работа по загрязнению #%d отклонена.", arg), nil)
	default:
		b.logger.Warn("unknown callback", "data", q.Data)
	}
}

// splitCallback splits "prefix:123" into "prefix:" and 123.
func splitCallback(data string) (string, int64, bool) {
	i := strings.IndexByte(data, ':')
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.ParseInt(data[i+1:], 10, 64)
	if err != nil || n <= 0 {
		return "", 0, false
	}
	return data[:i+1], n, true
}

func (b *Bot) clearButtons(m *tgbotapi.Message) {
	edit := tgbotapi.NewEditMessageReplyMarkup(m.Chat.ID, m.MessageID, tgbotapi.InlineKeyboardMarkup{
		InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{},
	})
	if _, err := b.api.Request(edit); err != nil {
		b.logger.Debug("failed to clear buttons", "chat", m.Chat.ID, "err", err)
	}
}

// SendNotice delivers a notification to a user's private chat. Rate
// limits and network failures are retried; other API errors are not.
func (b *Bot) SendNotice(ctx context.Context, handle int64, text string, actions []notification.Action) error {
	msg := tgbotapi.NewMessage(handle, text)
	if kb := actionKeyboard(actions); kb != nil {
		msg.ReplyMarkup = *kb
	}
	return b.send(ctx, msg)
}

// AnnounceReport posts a new report to the announce chat, if configured.
func (b *Bot) AnnounceReport(ctx context.Context, reportID int64, category string) error {
	if b.cfg.AnnounceChat == 0 {
		return nil
	}
	text := fmt.Sprintf("🆕 Новое сообщение о загрязнении #%d", reportID)
	if category != "" {
		text += ": " + html.EscapeString(category)
	}
	msg := tgbotapi.NewMessage(b.cfg.AnnounceChat, text)
	msg.ReplyMarkup = takeKeyboard(reportID)
	return b.send(ctx, msg)
}

// sendNow posts an HTML message once.
func (b *Bot) sendNow(msg tgbotapi.MessageConfig) error {
	msg.ParseMode = tgbotapi.ModeHTML
	_, err := b.api.Send(msg)
	return err
}

// send posts an HTML message, retrying rate limits and transport errors
// until ctx ends or a minute passes.
func (b *Bot) send(ctx context.Context, msg tgbotapi.MessageConfig) error {
	msg.ParseMode = tgbotapi.ModeHTML
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = time.Minute
	return backoff.Retry(func() error {
		_, err := b.api.Send(msg)
		if err == nil {
			return nil
		}
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) {
			if tgErr.Code == http.StatusTooManyRequests && tgErr.RetryAfter > 0 {
				select {
				case <-time.After(time.Duration(tgErr.RetryAfter) * time.Second):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
				return err
			}
			if tgErr.Code >= 400 && tgErr.Code < 500 && tgErr.Code != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

func (b *Bot) reply(chatID int64, text string, markup interface{}) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	if err := b.sendNow(msg); err != nil {
		b.logger.Warn("failed to send message", "chat", chatID, "err", err)
	}
}

func (b *Bot) save(ctx context.Context, chatID int64, sess *Session) {
	if err := b.state.Put(ctx, chatID, sess); err != nil {
		b.logger.Error("failed to save session", "chat", chatID, "err", err)
	}
}

func (b *Bot) reset(ctx context.Context, chatID int64) {
	if err := b.state.Clear(ctx, chatID); err != nil {
		b.logger.Error("failed to clear session", "chat", chatID, "err", err)
	}
}

// downloadPhoto fetches a Telegram file into memory so it can be uploaded
// more than once.
func (b *Bot) downloadPhoto(ctx context.Context, fileID string) ([]byte, error) {
	if fileID == "" {
		return nil, errors.New("no photo in session")
	}
	u, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file %s: %w", fileID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file %s: status %d", fileID, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoSize+1))
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, err)
	}
	if len(data) > maxPhotoSize {
		return nil, fmt.Errorf("file %s is larger than %d bytes", fileID, maxPhotoSize)
	}
	return data, nil
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

const (
	welcomeText = "👋 <b>Каспийский страж</b> на связи!\n\n" +
		"С помощью этого бота вы можете сообщить о загрязнении побережья Каспийского моря, " +
		"а волонтёры смогут оперативно откликнуться и помочь.\n\n" +
		"Выберите нужный пункт в меню ниже."
	msgTryLater  = "⚠️ Что-то пошло не так. Попробуйте позже."
	msgLinkFirst = "Необходимо авторизоваться. Используйте \"🔗 Привязать аккаунт\" для привязки аккаунта"
)
