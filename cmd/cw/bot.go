package main

import (
	"context"
	"errors"
	"fmt"
	"slices"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"

	"github.com/caspianwatch/caspianwatch/internal/config"
	"github.com/caspianwatch/caspianwatch/internal/lockfile"
	"github.com/caspianwatch/caspianwatch/internal/notification"
	"github.com/caspianwatch/caspianwatch/internal/telegrambot"
)

var botCmd = &cobra.Command{
	Use:     "bot",
	Short:   "Run the Telegram bot",
	GroupID: GroupServices,
	Long: `Run the Telegram bot against a running API server (bot.api-base-url).

The bot long-polls Telegram unless bot.use-webhook is set, in which case it
registers bot.webhook-url and serves updates on bot.listen alongside the
/healthz and /readyz probes. A polling bot holds bot.lock-file so a second
poller on the same host fails fast instead of fighting over updates.

With nats.url set the bot also delivers notices published by the server
and announces new reports to bot.announce-chat. Without NATS the bot asks
the server for the reviewer notice itself after each completion, unless
notification.routes includes telegram and the server already sends it.`,
	RunE: runBot,
}

func init() {
	botCmd.Flags().String("token", "", "Bot token (overrides bot.token / BOT_TOKEN)")
	botCmd.Flags().String("api", "", "API base URL (overrides bot.api-base-url / API_BASE_URL)")
	rootCmd.AddCommand(botCmd)
}

// firstNonEmpty returns the first non-empty value.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func runBot(cmd *cobra.Command, args []string) error {
	ctx := getRootContext()
	s, err := loadSettings()
	if err != nil {
		return err
	}
	flagToken, _ := cmd.Flags().GetString("token")
	flagAPI, _ := cmd.Flags().GetString("api")
	s.Bot.Token = firstNonEmpty(flagToken, s.Bot.Token)
	s.Bot.APIBaseURL = firstNonEmpty(flagAPI, s.Bot.APIBaseURL)
	if s.Bot.Token == "" {
		return withHint(errors.New("bot token is not set"), "set bot.token, CW_BOT_TOKEN, BOT_TOKEN or pass --token")
	}

	if s.Bot.LockFile != "" && !s.Bot.UseWebhook {
		lock, err := lockfile.Acquire(s.Bot.LockFile, "cw bot")
		if err != nil {
			return withHint(err, "another bot is polling with this token; stop it or set bot.lock-file")
		}
		defer func() { _ = lock.Release() }()
	}

	tg, err := tgbotapi.NewBotAPI(s.Bot.Token)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	logger.Info("authorized on telegram", "account", tg.Self.UserName)

	state, err := telegrambot.NewStateStore(ctx, s.Bot.StateBackend, s.Bot.RedisAddr, s.Bot.StateTTL)
	if err != nil {
		return withHint(err, "set bot.state-backend to memory or fix bot.redis-addr")
	}
	defer func() { _ = state.Close() }()

	bot, err := telegrambot.New(botConfig(s), tg,
		telegrambot.NewClient(s.Bot.APIBaseURL, nil),
		state, logger.With("component", "bot"))
	if err != nil {
		return err
	}

	health := telegrambot.NewHealthServer(bot, s.Bot.Listen)
	tasks := []func(context.Context) error{bot.Run, health.Start}
	if s.NATS.URL != "" {
		w := telegrambot.NewWatcher(s.NATS.URL, s.NATS.SubjectPrefix, bot)
		defer w.Close()
		tasks = append(tasks, w.Run)
	}

	err = runGroup(ctx, tasks...)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// botConfig derives the bot's behaviour from settings. Without NATS the
// bot cannot receive server-side notices, so it requests the reviewer
// notice itself. A server routing notices to telegram delivers them
// directly, and a second request would notify reviewers twice.
func botConfig(s *config.Settings) telegrambot.Config {
	return telegrambot.Config{
		PageSize:     telegrambot.DefaultPageSize,
		PollTimeout:  s.Bot.PollTimeout,
		UseWebhook:   s.Bot.UseWebhook,
		WebhookURL:   s.Bot.WebhookURL,
		AnnounceChat: s.Bot.AnnounceChat,
		NotifyAdmins: s.NATS.URL == "" && !slices.Contains(s.Notification.Routes, notification.RouteTelegram),
	}
}
