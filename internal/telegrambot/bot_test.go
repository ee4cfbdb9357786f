package telegrambot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caspianwatch/caspianwatch/internal/api"
	"github.com/caspianwatch/caspianwatch/internal/auth"
	"github.com/caspianwatch/caspianwatch/internal/blob"
	"github.com/caspianwatch/caspianwatch/internal/lifecycle"
	"github.com/caspianwatch/caspianwatch/internal/listing"
	"github.com/caspianwatch/caspianwatch/internal/logging"
	"github.com/caspianwatch/caspianwatch/internal/notification"
	"github.com/caspianwatch/caspianwatch/internal/storage"
	"github.com/caspianwatch/caspianwatch/internal/storage/memory"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

// fakeTelegram records everything the bot sends.
type fakeTelegram struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	nextID   int

	fileBase string
	sendErr  func(c tgbotapi.Chattable, attempt int) error
	attempts int
	updates  chan tgbotapi.Update
}

func (f *fakeTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.sendErr != nil {
		if err := f.sendErr(c, f.attempts); err != nil {
			return tgbotapi.Message{}, err
		}
	}
	f.nextID++
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeTelegram) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeTelegram) GetFileDirectURL(fileID string) (string, error) {
	return f.fileBase + "/" + fileID, nil
}

func (f *fakeTelegram) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeTelegram) StopReceivingUpdates() {}

type sentMessage struct {
	chatID int64
	text   string
	markup interface{}
	photo  bool
}

func (f *fakeTelegram) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, c := range f.sent {
		switch m := c.(type) {
		case tgbotapi.MessageConfig:
			out = append(out, sentMessage{chatID: m.ChatID, text: m.Text, markup: m.ReplyMarkup})
		case tgbotapi.PhotoConfig:
			out = append(out, sentMessage{chatID: m.ChatID, text: m.Caption, markup: m.ReplyMarkup, photo: true})
		}
	}
	return out
}

// last returns the most recent message sent to chatID.
func (f *fakeTelegram) last(t *testing.T, chatID int64) sentMessage {
	t.Helper()
	msgs := f.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].chatID == chatID {
			return msgs[i]
		}
	}
	t.Fatalf("no message sent to chat %d", chatID)
	return sentMessage{}
}

func (f *fakeTelegram) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
	f.requests = nil
}

type botEnv struct {
	t     *testing.T
	store storage.Storage
	auth  *auth.Service
	tg    *fakeTelegram
	bot   *Bot
	msgID int
}

func newBotEnv(t *testing.T, cfg Config) *botEnv {
	t.Helper()
	store := memory.New()
	tokens, err := auth.NewTokenIssuer("test-secret", time.Hour, 24*time.Hour)
	require.NoError(t, err)
	authSvc := auth.NewService(store, tokens)
	blobs, err := blob.NewFSStore(t.TempDir(), 0)
	require.NoError(t, err)
	engine := lifecycle.New(store, lifecycle.WithLogger(logging.Discard()))
	t.Cleanup(engine.Wait)

	srv, err := api.New(api.Config{
		Store:   store,
		Engine:  engine,
		Listing: listing.NewService(store, listing.DefaultConfig()),
		Auth:    authSvc,
		Blobs:   blobs,
		Logger:  logging.Discard(),
		Version: "test",
	})
	require.NoError(t, err)
	apiServer := httptest.NewServer(srv.Handler())
	t.Cleanup(apiServer.Close)

	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngBytes)
	}))
	t.Cleanup(files.Close)

	tg := &fakeTelegram{fileBase: files.URL, updates: make(chan tgbotapi.Update, 8)}
	backend := NewClient(apiServer.URL+"/api", apiServer.Client())
	bot, err := New(cfg, tg, backend, NewMemoryState(), logging.Discard())
	require.NoError(t, err)

	_, err = store.CreateCategory(context.Background(), "Debris")
	require.NoError(t, err)

	return &botEnv{t: t, store: store, auth: authSvc, tg: tg, bot: bot}
}

func (e *botEnv) identity(username string, role types.Role, handle int64) *types.Identity {
	e.t.Helper()
	id, err := e.auth.CreateIdentity(context.Background(), auth.RegisterInput{
		Username:   username,
		Password:   "pw-" + username,
		FirstName:  strings.ToUpper(username[:1]) + username[1:],
		Role:       role,
		TelegramID: &handle,
	})
	require.NoError(e.t, err)
	return id
}

func (e *botEnv) message(chatID int64, m tgbotapi.Message) {
	e.msgID++
	m.MessageID = e.msgID
	m.Chat = &tgbotapi.Chat{ID: chatID, Type: "private"}
	m.From = &tgbotapi.User{ID: chatID, FirstName: "Chat", UserName: "chat"}
	e.bot.HandleUpdate(context.Background(), tgbotapi.Update{Message: &m})
}

func (e *botEnv) text(chatID int64, text string) {
	e.message(chatID, tgbotapi.Message{Text: text})
}

func (e *botEnv) command(chatID int64, cmd string) {
	e.message(chatID, tgbotapi.Message{
		Text:     "/" + cmd,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd) + 1}},
	})
}

func (e *botEnv) photo(chatID int64) {
	e.message(chatID, tgbotapi.Message{Photo: []tgbotapi.PhotoSize{
		{FileID: "thumb", Width: 90, Height: 90},
		{FileID: "full", Width: 1280, Height: 960},
	}})
}

func (e *botEnv) callback(chatID int64, data string) {
	e.msgID++
	e.bot.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "cb",
		From: &tgbotapi.User{ID: chatID},
		Message: &tgbotapi.Message{
			MessageID: e.msgID,
			Chat:      &tgbotapi.Chat{ID: chatID},
		},
		Data: data,
	}})
}

func (e *botEnv) session(chatID int64) *Session {
	e.t.Helper()
	s, err := e.bot.state.Get(context.Background(), chatID)
	require.NoError(e.t, err)
	return s
}

func inlineData(t *testing.T, markup interface{}) []string {
	t.Helper()
	kb, ok := markup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok, "expected inline keyboard, got %T", markup)
	var out []string
	for _, row := range kb.InlineKeyboard {
		for _, b := range row {
			if b.CallbackData != nil {
				out = append(out, *b.CallbackData)
			}
		}
	}
	return out
}

func TestNewValidatesDependencies(t *testing.T) {
	tg := &fakeTelegram{}
	backend := NewClient("http://localhost/api", nil)
	state := NewMemoryState()

	_, err := New(Config{}, nil, backend, state, nil)
	assert.Error(t, err)
	_, err = New(Config{}, tg, nil, state, nil)
	assert.Error(t, err)
	_, err = New(Config{}, tg, backend, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{UseWebhook: true}, tg, backend, state, nil)
	assert.ErrorContains(t, err, "webhook")

	b, err := New(Config{}, tg, backend, state, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, b.cfg.PageSize)
	assert.Equal(t, 60, b.cfg.PollTimeout)
}

func TestStartAndCancel(t *testing.T) {
	env := newBotEnv(t, Config{})

	env.command(100, "start")
	last := env.tg.last(t, 100)
	assert.Contains(t, last.text, "Каспийский страж")
	assert.IsType(t, tgbotapi.ReplyKeyboardMarkup{}, last.markup)

	env.text(100, btnReport)
	assert.Equal(t, StepReportPhoto, env.session(100).Step)

	env.text(100, btnCancel)
	assert.Equal(t, "Действие отменено.", env.tg.last(t, 100).text)
	assert.Equal(t, StepIdle, env.session(100).Step)

	env.text(100, "просто текст")
	assert.Contains(t, env.tg.last(t, 100).text, "меню")
}

func TestAnonymousReportDialogue(t *testing.T) {
	env := newBotEnv(t, Config{})
	const chat = 5555

	env.text(chat, btnReport)
	env.text(chat, "не фото")
	assert.Contains(t, env.tg.last(t, chat).text, "Нужно прислать именно")
	assert.Equal(t, StepReportPhoto, env.session(chat).Step)

	env.photo(chat)
	sess := env.session(chat)
	assert.Equal(t, StepReportType, sess.Step)
	assert.Equal(t, "full", sess.PhotoFileID, "largest size is kept")
	assert.IsType(t, tgbotapi.ReplyKeyboardMarkup{}, env.tg.last(t, chat).markup)

	env.text(chat, "Вулкан")
	assert.Contains(t, env.tg.last(t, chat).text, "Такого типа нет")
	env.text(chat, "Debris")
	assert.Equal(t, StepReportDesc, env.session(chat).Step)

	env.text(chat, "Пакеты и бутылки у пирса")
	assert.Equal(t, StepReportLocation, env.session(chat).Step)

	env.text(chat, "42.98, 47.50")
	assert.Contains(t, env.tg.last(t, chat).text, "геолокацию")
	env.message(chat, tgbotapi.Message{Location: &tgbotapi.Location{Latitude: 42.98, Longitude: 47.5}})
	assert.Equal(t, StepReportPhone, env.session(chat).Step)

	env.text(chat, "Пропустить")
	assert.Equal(t, "✅ Спасибо! Заявка #1 отправлена администрации и волонтёрам.", env.tg.last(t, chat).text)
	assert.Equal(t, StepIdle, env.session(chat).Step)

	r, err := env.store.GetReport(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, r.ReportedBy, "unlinked chat reports anonymously")
	assert.Equal(t, "Пакеты и бутылки у пирса", r.Description)
	assert.InDelta(t, 42.98, r.Latitude, 1e-9)
	assert.NotEmpty(t, r.Image)
	assert.Empty(t, r.PhoneNumber)
}

func TestLinkedReportKeepsPhone(t *testing.T) {
	env := newBotEnv(t, Config{})
	vol := env.identity("volunteer", types.RoleVolunteer, 1001)

	env.text(1001, btnReport)
	env.photo(1001)
	env.text(1001, "debris")
	env.text(1001, "Нефтяное пятно")
	env.message(1001, tgbotapi.Message{Location: &tgbotapi.Location{Latitude: 43.1, Longitude: 47.4}})
	env.message(1001, tgbotapi.Message{Contact: &tgbotapi.Contact{PhoneNumber: "+79001234567"}})
	assert.Contains(t, env.tg.last(t, 1001).text, "Заявка #1")

	r, err := env.store.GetReport(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, r.ReportedBy)
	assert.Equal(t, vol.ID, *r.ReportedBy)
	assert.Equal(t, "+79001234567", r.PhoneNumber)
	require.NotNil(t, r.Category)
	assert.Equal(t, "Debris", r.Category.Name)
}

func TestReportTypeStoresCanonicalName(t *testing.T) {
	env := newBotEnv(t, Config{})

	env.text(1, btnReport)
	env.photo(1)
	env.text(1, "  DEBRIS ")
	assert.Equal(t, "Debris", env.session(1).Category)

	env.text(1, "Нефтяное пятно")
	env.message(1, tgbotapi.Message{Location: &tgbotapi.Location{Latitude: 43.1, Longitude: 47.4}})
	env.text(1, btnSkip)
	assert.Contains(t, env.tg.last(t, 1).text, "✅ Спасибо!")

	r, err := env.store.GetReport(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, r.Category)
	assert.Equal(t, "Debris", r.Category.Name)
}

func TestFindCategory(t *testing.T) {
	cats := []Category{{ID: 1, Name: "Debris"}, {ID: 2, Name: "Нефтяные отходы"}}

	name, ok := findCategory(cats, "debris")
	assert.True(t, ok)
	assert.Equal(t, "Debris", name)

	name, ok = findCategory(cats, "НЕФТЯНЫЕ ОТХОДЫ")
	assert.True(t, ok)
	assert.Equal(t, "Нефтяные отходы", name)

	_, ok = findCategory(cats, "plastic")
	assert.False(t, ok)
}

// seedReport files a report through the dialogue as an anonymous citizen.
func (e *botEnv) seedReport(desc string) {
	e.t.Helper()
	const chat = 9999
	e.text(chat, btnReport)
	e.photo(chat)
	e.text(chat, "Debris")
	e.text(chat, desc)
	e.message(chat, tgbotapi.Message{Location: &tgbotapi.Location{Latitude: 42.9, Longitude: 47.5}})
	e.text(chat, btnSkip)
	require.Contains(e.t, e.tg.last(e.t, chat).text, "✅ Спасибо!")
}

func TestVolunteerReviewFlow(t *testing.T) {
	env := newBotEnv(t, Config{NotifyAdmins: true})
	env.identity("volunteer", types.RoleVolunteer, 1001)
	env.identity("manager", types.RoleManager, 2001)
	env.seedReport("Мусор на пляже")
	env.tg.reset()

	// Browse and take the announcement.
	env.text(1001, btnAnnounces)
	msgs := env.tg.messages()
	require.Len(t, msgs, 2, "one report and the page footer")
	assert.True(t, msgs[0].photo)
	assert.Contains(t, msgs[0].text, "Мусор на пляже")
	assert.Equal(t, []string{"ann_take:1"}, inlineData(t, msgs[0].markup))
	assert.Equal(t, "Страница 1 из 1", msgs[1].text)

	env.callback(1001, "ann_take:1")
	assert.Equal(t, "✅ Вы взяли в работу объявление #1. Спасибо за помощь!", env.tg.last(t, 1001).text)

	// My work lists it with done/drop buttons.
	env.tg.reset()
	env.text(1001, btnMyWork)
	msgs = env.tg.messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, []string{"work_done:1", "work_drop:1"}, inlineData(t, msgs[0].markup))

	// Complete with a photo; the bot announces it to the manager.
	env.callback(1001, "work_done:1")
	assert.Equal(t, StepCompletionPhoto, env.session(1001).Step)
	assert.Equal(t, int64(1), env.session(1001).ReportID)
	env.photo(1001)
	assert.Contains(t, env.tg.last(t, 1001).text, "отправлена на проверку")

	notice := env.tg.last(t, 2001)
	assert.Equal(t, []string{"rev_ok:1", "rev_no:1"}, inlineData(t, notice.markup))

	r, err := env.store.GetReport(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, r.IsCompleted)
	assert.NotEmpty(t, r.CompletionImage)

	// The volunteer cannot review.
	env.callback(1001, "rev_ok:1")
	assert.Contains(t, env.tg.last(t, 1001).text, "⚠️")

	env.callback(2001, "rev_ok:1")
	assert.Equal(t, "✅ Работа по загрязнению #1 подтверждена.", env.tg.last(t, 2001).text)

	r, err = env.store.GetReport(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, r.IsApproved)

	// The buttons are removed from the notice.
	var edited bool
	for _, c := range env.tg.requests {
		if _, ok := c.(tgbotapi.EditMessageReplyMarkupConfig); ok {
			edited = true
		}
	}
	assert.True(t, edited)
}

func TestRejectAndDrop(t *testing.T) {
	env := newBotEnv(t, Config{})
	env.identity("volunteer", types.RoleVolunteer, 1001)
	env.identity("manager", types.RoleManager, 2001)
	env.seedReport("first")
	env.seedReport("second")

	env.callback(1001, "ann_take:1")
	env.callback(1001, "work_done:1")
	env.photo(1001)
	env.callback(2001, "rev_no:1")
	assert.Equal(t, "❌ Работа по загрязнению #1 отклонена.", env.tg.last(t, 2001).text)

	r, err := env.store.GetReport(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, r.IsCompleted)
	assert.Contains(t, r.AssignedTo, int64(1), "rejection keeps the assignment")

	env.callback(1001, "ann_take:2")
	env.callback(1001, "work_drop:2")
	assert.Equal(t, "↩️ Вы отказались от объявления #2.", env.tg.last(t, 1001).text)
	r, err = env.store.GetReport(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, r.AssignedTo)
}

func TestUnlinkedChatNeedsAccount(t *testing.T) {
	env := newBotEnv(t, Config{})
	env.seedReport("x")

	env.callback(3003, "ann_take:1")
	assert.Contains(t, env.tg.last(t, 3003).text, "Привязать аккаунт")

	env.text(3003, btnMyWork)
	assert.Contains(t, env.tg.last(t, 3003).text, "Привязать аккаунт")
}

func TestAnnouncementsPaging(t *testing.T) {
	env := newBotEnv(t, Config{PageSize: 2})

	env.text(1, btnAnnounces)
	assert.Equal(t, "Сейчас нет активных объявлений.", env.tg.last(t, 1).text)

	for _, desc := range []string{"first", "second", "third"} {
		env.seedReport(desc)
	}
	env.tg.reset()
	env.text(1, btnAnnounces)
	footer := env.tg.last(t, 1)
	assert.Equal(t, "Страница 1 из 2", footer.text)
	next := inlineData(t, footer.markup)
	require.Len(t, next, 1)
	assert.True(t, strings.HasPrefix(next[0], "ann_page:2@"), next[0])

	// A report filed meanwhile must not push "second" onto page two.
	env.seedReport("late")
	env.tg.reset()
	env.callback(1, next[0])
	msgs := env.tg.messages()
	require.Len(t, msgs, 2, "one report and the page footer")
	assert.Contains(t, msgs[0].text, "first")
	assert.Equal(t, "Страница 2 из 2", msgs[1].text)
	back := inlineData(t, msgs[1].markup)
	require.Len(t, back, 1)
	assert.True(t, strings.HasPrefix(back[0], "ann_page:1@"), back[0])

	env.callback(1, "ann_page:7")
	assert.Equal(t, "Больше объявлений нет.", env.tg.last(t, 1).text)
}

func TestLinkAccountAndProfile(t *testing.T) {
	env := newBotEnv(t, Config{})
	_, err := env.auth.CreateIdentity(context.Background(), auth.RegisterInput{
		Username:  "aliya",
		Password:  "secret-pw",
		FirstName: "Алия",
		Role:      types.RoleVolunteer,
	})
	require.NoError(t, err)

	env.text(77, btnProfile)
	assert.Contains(t, env.tg.last(t, 77).text, "без привязки")

	env.text(77, btnLink)
	env.text(77, "aliya")
	assert.Equal(t, StepLinkPassword, env.session(77).Step)
	env.text(77, "wrong")
	assert.Contains(t, env.tg.last(t, 77).text, "⚠️")

	env.text(77, btnLink)
	env.text(77, "aliya")
	env.text(77, "secret-pw")
	assert.Equal(t, "✅ Аккаунт успешно привязан", env.tg.last(t, 77).text)

	var deleted int
	for _, c := range env.tg.requests {
		if _, ok := c.(tgbotapi.DeleteMessageConfig); ok {
			deleted++
		}
	}
	assert.Equal(t, 2, deleted, "password messages are deleted")

	env.text(77, btnProfile)
	profile := env.tg.last(t, 77).text
	assert.Contains(t, profile, "Алия")
	assert.Contains(t, profile, "Волонтер")
	assert.Contains(t, profile, "Выполнено работ:</b> 0")
}

func TestContactAdministration(t *testing.T) {
	env := newBotEnv(t, Config{AnnounceChat: -100500})

	env.text(12, btnContact)
	env.text(12, "Когда <b>уберут</b> пляж?")
	assert.Contains(t, env.tg.last(t, 12).text, "отправлено администрации")

	fwd := env.tg.last(t, -100500)
	assert.Contains(t, fwd.text, "Когда &lt;b&gt;уберут&lt;/b&gt; пляж?")
	assert.Contains(t, fwd.text, "(12)")
}

func TestSendNoticeRetries(t *testing.T) {
	env := newBotEnv(t, Config{})

	t.Run("rate limit", func(t *testing.T) {
		env.tg.attempts = 0
		env.tg.sendErr = func(_ tgbotapi.Chattable, attempt int) error {
			if attempt == 1 {
				return &tgbotapi.Error{Code: http.StatusTooManyRequests, Message: "Too Many Requests",
					ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 1}}
			}
			return nil
		}
		err := env.bot.SendNotice(context.Background(), 42, "hello", []notification.Action{{Label: "ok", Data: "rev_ok:1"}})
		require.NoError(t, err)
		assert.Equal(t, 2, env.tg.attempts)
		last := env.tg.last(t, 42)
		assert.Equal(t, []string{"rev_ok:1"}, inlineData(t, last.markup))
	})

	t.Run("blocked user is permanent", func(t *testing.T) {
		env.tg.attempts = 0
		env.tg.sendErr = func(tgbotapi.Chattable, int) error {
			return &tgbotapi.Error{Code: http.StatusForbidden, Message: "Forbidden: bot was blocked by the user"}
		}
		err := env.bot.SendNotice(context.Background(), 43, "hello", nil)
		require.Error(t, err)
		assert.Equal(t, 1, env.tg.attempts)
	})

	t.Run("transport errors stop with the context", func(t *testing.T) {
		env.tg.sendErr = func(tgbotapi.Chattable, int) error { return errors.New("connection reset") }
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		assert.Error(t, env.bot.SendNotice(ctx, 44, "hello", nil))
	})
}

func TestSplitCallback(t *testing.T) {
	tests := []struct {
		data   string
		prefix string
		id     int64
		ok     bool
	}{
		{"ann_take:12", cbAnnTake, 12, true},
		{"rev_ok:3", cbApprove, 3, true},
		{"rev_no:3", cbReject, 3, true},
		{"ann_take:", "", 0, false},
		{"ann_take:x", "", 0, false},
		{"ann_take:-1", "", 0, false},
		{"nonsense", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			prefix, id, ok := splitCallback(tt.data)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.prefix, prefix)
				assert.Equal(t, tt.id, id)
			}
		})
	}
}

func TestPagerKeyboard(t *testing.T) {
	assert.Nil(t, pagerKeyboard(cbAnnPage, 1, false, ""))
	kb := pagerKeyboard(cbWorkPage, 2, true, "")
	require.NotNil(t, kb)
	assert.Equal(t, []string{"work_page:1", "work_page:3"}, inlineData(t, *kb))

	kb = pagerKeyboard(cbAnnPage, 2, false, "1700000000000123-42")
	require.NotNil(t, kb)
	assert.Equal(t, []string{"ann_page:1@1700000000000123-42"}, inlineData(t, *kb))
}

func TestRunPolling(t *testing.T) {
	env := newBotEnv(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.bot.Run(ctx) }()

	env.tg.updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 1,
		Chat:      &tgbotapi.Chat{ID: 5},
		Text:      "/start",
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Length: 6}},
	}}
	require.Eventually(t, func() bool {
		for _, m := range env.tg.messages() {
			if m.chatID == 5 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, env.bot.IsConnected())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, env.bot.IsConnected())
}

func TestHealthAndWebhook(t *testing.T) {
	env := newBotEnv(t, Config{UseWebhook: true, WebhookURL: "https://bot.example.com/webhook"})
	h := NewHealthServer(env.bot, "127.0.0.1:0").Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	upd := tgbotapi.Update{UpdateID: 9, Message: &tgbotapi.Message{
		MessageID: 1,
		Chat:      &tgbotapi.Chat{ID: 6},
		Text:      "/start",
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Length: 6}},
	}}
	body, err := json.Marshal(upd)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, WebhookPath, bytes.NewReader(body)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, env.tg.last(t, 6).text, "Каспийский страж")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, WebhookPath, strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Run registers the webhook and reports connected until cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.bot.Run(ctx) }()
	require.Eventually(t, env.bot.IsConnected, 2*time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	cancel()
	require.NoError(t, <-done)
}
