package telegrambot

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramAPI abstracts the subset of tgbotapi.BotAPI methods used by the bot.
// This allows tests to substitute a mock implementation without a live Telegram connection.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)

	// Long polling
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Verify *tgbotapi.BotAPI satisfies TelegramAPI at compile time
var _ TelegramAPI = (*tgbotapi.BotAPI)(nil)
