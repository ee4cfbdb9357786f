package main

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/caspianwatch/caspianwatch/internal/api"
	"github.com/caspianwatch/caspianwatch/internal/auth"
	"github.com/caspianwatch/caspianwatch/internal/blob"
	"github.com/caspianwatch/caspianwatch/internal/config"
	"github.com/caspianwatch/caspianwatch/internal/eventbus"
	"github.com/caspianwatch/caspianwatch/internal/lifecycle"
	"github.com/caspianwatch/caspianwatch/internal/listing"
	"github.com/caspianwatch/caspianwatch/internal/notification"
	"github.com/caspianwatch/caspianwatch/internal/seed"
	"github.com/caspianwatch/caspianwatch/internal/storage"
	"github.com/caspianwatch/caspianwatch/internal/telegrambot"
	"github.com/caspianwatch/caspianwatch/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run the HTTP API server",
	GroupID: GroupServices,
	Long: `Run the REST API that the mobile app and the Telegram bot talk to.

Lifecycle events go to the configured event handlers and, when nats.url is
set or --nats-embedded is given, to a JetStream stream. Notices for
reviewers and reporters follow notification.routes.

Changes to lifecycle.restrict-review and notification.routes in the config
file apply without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address (overrides server.listen)")
	serveCmd.Flags().Bool("nats-embedded", false, "Run an in-process NATS server with JetStream")
	serveCmd.Flags().Int("nats-port", eventbus.DefaultEmbeddedPort, "Client port for --nats-embedded (-1 picks a free port)")
	serveCmd.Flags().String("nats-store-dir", "", "JetStream storage directory for --nats-embedded (default: <media root>/../nats)")
	serveCmd.Flags().Bool("seed", false, "Create default categories and seed identities before serving")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := getRootContext()
	s, err := loadSettings()
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		s.Server.Listen = listen
	}

	if err := telemetry.Init(ctx, "caspianwatch", Version); err != nil {
		WarnError("telemetry disabled: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()

	st, err := openStore(ctx, s)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if doSeed, _ := cmd.Flags().GetBool("seed"); doSeed {
		data, err := seed.Default()
		if err != nil {
			return err
		}
		res, err := seed.Apply(ctx, st, data)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		logger.Info("seed applied", "categories", res.CategoriesCreated, "identities", res.IdentitiesCreated)
	}

	opts := serviceOptions{}
	opts.natsEmbedded, _ = cmd.Flags().GetBool("nats-embedded")
	opts.natsPort, _ = cmd.Flags().GetInt("nats-port")
	opts.natsStoreDir, _ = cmd.Flags().GetString("nats-store-dir")
	if opts.natsStoreDir == "" {
		opts.natsStoreDir = filepath.Join(filepath.Dir(filepath.Clean(s.Media.Root)), "nats")
	}

	svc, err := newService(ctx, s, st, opts, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	config.OnChange(func() {
		fresh, err := config.Load()
		if err != nil {
			logger.Warn("config reload failed", "err", err)
			return
		}
		svc.apply(fresh)
	})
	config.Watch()

	return svc.server.ListenAndServe(ctx, s.Server.Listen)
}

type serviceOptions struct {
	natsEmbedded bool
	natsPort     int
	natsStoreDir string
	// sender overrides the Telegram sender built from bot.token.
	sender notification.Sender
}

// service is everything serve runs, wired from Settings.
type service struct {
	server     *api.Server
	engine     *lifecycle.Engine
	dispatcher *notification.Dispatcher
	bus        *eventbus.Bus
	logger     *log.Logger

	embedded *eventbus.EmbeddedServer
	conn     *nats.Conn
}

func newService(ctx context.Context, s *config.Settings, st storage.Storage, opts serviceOptions, logger *log.Logger) (*service, error) {
	svc := &service{logger: logger}
	ok := false
	defer func() {
		if !ok {
			svc.Close()
		}
	}()

	blobs, err := blob.NewFSStore(s.Media.Root, s.Media.MaxUploadSize)
	if err != nil {
		return nil, fmt.Errorf("media store: %w", err)
	}

	tokens, err := auth.NewTokenIssuer(s.Auth.Secret, s.Auth.AccessTTL, s.Auth.RefreshTTL)
	if err != nil {
		return nil, withHint(err, "set auth.secret in caspianwatch.yaml or CW_AUTH_SECRET")
	}

	var js nats.JetStreamContext
	prefix := s.NATS.SubjectPrefix
	switch {
	case opts.natsEmbedded:
		svc.embedded, err = eventbus.StartEmbedded(eventbus.EmbeddedConfig{
			Port:     opts.natsPort,
			StoreDir: opts.natsStoreDir,
		})
		if err != nil {
			return nil, err
		}
		svc.conn = svc.embedded.Conn()
		if js, err = svc.conn.JetStream(); err != nil {
			return nil, fmt.Errorf("jetstream context: %w", err)
		}
		if err := eventbus.EnsureStreams(js, prefix); err != nil {
			return nil, err
		}
		logger.Info("embedded NATS started", "url", svc.embedded.ClientURL())
	case s.NATS.URL != "":
		if svc.conn, js, err = eventbus.Connect(s.NATS.URL, prefix); err != nil {
			return nil, err
		}
	}

	svc.bus = eventbus.New(logger.With("component", "events"))
	handlers, err := eventbus.DefaultHandlers(logger.With("component", "events"), s.Events.Handlers)
	if err != nil {
		return nil, fmt.Errorf("event handlers: %w", err)
	}
	for _, h := range handlers {
		svc.bus.Register(h)
	}
	if js != nil {
		svc.bus.SetJetStream(js, prefix)
	}

	dopts := []notification.Option{notification.WithLogger(logger.With("component", "notify"))}
	if svc.conn != nil {
		dopts = append(dopts, notification.WithPublisher(svc.conn))
	}
	sender := opts.sender
	if sender == nil && s.Bot.Token != "" && slices.Contains(s.Notification.Routes, notification.RouteTelegram) {
		if sender, err = newTelegramSender(s, logger); err != nil {
			return nil, err
		}
	}
	if sender != nil {
		dopts = append(dopts, notification.WithSender(sender))
	}
	svc.dispatcher = notification.NewDispatcher(notification.Config{
		Routes:        s.Notification.Routes,
		WebhookURL:    s.Notification.WebhookURL,
		Timeout:       s.Notification.Timeout,
		SubjectPrefix: prefix,
	}, dopts...)

	svc.engine = lifecycle.New(st,
		lifecycle.WithNotifier(svc.dispatcher),
		lifecycle.WithPublisher(svc.bus),
		lifecycle.WithPolicy(lifecycle.Policy{RestrictReview: s.Lifecycle.RestrictReview}),
		lifecycle.WithNotifyTimeout(s.Notification.Timeout),
		lifecycle.WithLogger(logger.With("component", "lifecycle")),
	)

	lst := listing.NewService(st, listing.Config{
		Feed:     listing.Limits{Default: s.Listing.PageSize, Max: s.Listing.MaxPageSize},
		Assigned: listing.Limits{Default: s.Listing.AssignedPageSize, Max: s.Listing.AssignedMaxPageSize},
	})

	svc.server, err = api.New(api.Config{
		Store:           st,
		Engine:          svc.engine,
		Listing:         lst,
		Auth:            auth.NewService(st, tokens),
		Blobs:           blobs,
		Logger:          logger.With("component", "api"),
		PublicURL:       s.Server.BaseURL,
		MaxUploadSize:   s.Media.MaxUploadSize,
		Version:         Version,
		ReadTimeout:     s.Server.ReadTimeout,
		WriteTimeout:    s.Server.WriteTimeout,
		ShutdownTimeout: s.Server.ShutdownTimeout,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return svc, nil
}

// apply pushes the hot-reloadable settings into running components.
func (svc *service) apply(s *config.Settings) {
	svc.engine.SetPolicy(lifecycle.Policy{RestrictReview: s.Lifecycle.RestrictReview})
	svc.dispatcher.SetRoutes(s.Notification.Routes)
	svc.logger.Info("config reloaded",
		"restrict_review", s.Lifecycle.RestrictReview,
		"routes", s.Notification.Routes)
}

// Close waits for in-flight notifications, then releases NATS.
func (svc *service) Close() {
	if svc.engine != nil {
		svc.engine.Wait()
	}
	if svc.conn != nil && svc.embedded == nil {
		_ = svc.conn.Drain()
	}
	if svc.embedded != nil {
		svc.embedded.Shutdown()
	}
}

// newTelegramSender builds a send-only bot for the telegram notification
// route. It never polls for updates.
func newTelegramSender(s *config.Settings, logger *log.Logger) (*telegrambot.Bot, error) {
	tg, err := tgbotapi.NewBotAPI(s.Bot.Token)
	if err != nil {
		return nil, withHint(fmt.Errorf("telegram: %w", err), "check bot.token or drop telegram from notification.routes")
	}
	return telegrambot.New(telegrambot.Config{},
		tg,
		telegrambot.NewClient(s.Bot.APIBaseURL, nil),
		telegrambot.NewMemoryState(),
		logger.With("component", "telegram"))
}

// runGroup runs fns until the first one fails or ctx is done.
func runGroup(ctx context.Context, fns ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		g.Go(func() error { return fn(gctx) })
	}
	return g.Wait()
}
