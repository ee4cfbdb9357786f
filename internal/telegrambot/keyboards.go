package telegrambot

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/caspianwatch/caspianwatch/internal/notification"
)

// Reply keyboard labels. Incoming text is matched against these.
const (
	btnReport     = "📤 Отправить проблему"
	btnAnnounces  = "📋 Список объявлений"
	btnMyWork     = "🛠 Мои работы"
	btnProfile    = "👤 Мой профиль"
	btnContact    = "📞 Связь с администрацией"
	btnLink       = "🔗 Привязать аккаунт"
	btnCancel     = "❌ Отмена"
	btnSkip       = "Пропустить"
	btnLocation   = "📍 Отправить геолокацию"
	btnSharePhone = "📱 Отправить номер"
)

// Callback data prefixes of inline buttons.
const (
	cbAnnPage  = "ann_page:"
	cbAnnTake  = "ann_take:"
	cbWorkPage = "work_page:"
	cbWorkDone = "work_done:"
	cbWorkDrop = "work_drop:"
	cbApprove  = notification.ActionApprove
	cbReject   = notification.ActionReject
)

func mainMenu() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnReport), tgbotapi.NewKeyboardButton(btnAnnounces)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnMyWork), tgbotapi.NewKeyboardButton(btnProfile)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnContact), tgbotapi.NewKeyboardButton(btnLink)),
	)
	kb.ResizeKeyboard = true
	return kb
}

func cancelKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnCancel)))
	kb.ResizeKeyboard = true
	return kb
}

// categoryKeyboard lists one category per row, then cancel.
func categoryKeyboard(cats []Category) tgbotapi.ReplyKeyboardMarkup {
	rows := make([][]tgbotapi.KeyboardButton, 0, len(cats)+1)
	for _, c := range cats {
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(c.Name)))
	}
	rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnCancel)))
	kb := tgbotapi.NewReplyKeyboard(rows...)
	kb.ResizeKeyboard = true
	return kb
}

func locationKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButtonLocation(btnLocation)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnCancel)),
	)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return kb
}

func phoneKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButtonContact(btnSharePhone)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnSkip), tgbotapi.NewKeyboardButton(btnCancel)),
	)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return kb
}

// pagerKeyboard returns back/next buttons for a paged list, or nil when
// there is only one page. A non-empty asOf is appended as "@asOf" so the
// buttons stay on the same listing.
func pagerKeyboard(prefix string, page int, hasNext bool, asOf string) *tgbotapi.InlineKeyboardMarkup {
	data := func(n int) string {
		if asOf == "" {
			return fmt.Sprintf("%s%d", prefix, n)
		}
		return fmt.Sprintf("%s%d@%s", prefix, n, asOf)
	}
	var row []tgbotapi.InlineKeyboardButton
	if page > 1 {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад", data(page-1)))
	}
	if hasNext {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("➡️ Далее", data(page+1)))
	}
	if len(row) == 0 {
		return nil
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(row)
	return &kb
}

func takeKeyboard(reportID int64) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("✅ Беру в работу", fmt.Sprintf("%s%d", cbAnnTake, reportID)),
	))
}

func workKeyboard(reportID int64) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("✅ Выполнено", fmt.Sprintf("%s%d", cbWorkDone, reportID)),
		tgbotapi.NewInlineKeyboardButtonData("↩️ Отказаться", fmt.Sprintf("%s%d", cbWorkDrop, reportID)),
	))
}

// actionKeyboard renders notice actions as one row of inline buttons.
func actionKeyboard(actions []notification.Action) *tgbotapi.InlineKeyboardMarkup {
	if len(actions) == 0 {
		return nil
	}
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(actions))
	for _, a := range actions {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(a.Label, a.Data))
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(row)
	return &kb
}

func isMenuButton(text string) bool {
	switch text {
	case btnReport, btnAnnounces, btnMyWork, btnProfile, btnContact, btnLink:
		return true
	}
	return false
}

func isSkip(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), btnSkip)
}
