package config

import (
	"fmt"
	"time"

	"github.com/caspianwatch/caspianwatch/internal/eventbus"
)

// Settings is a typed snapshot of the configuration tree.
type Settings struct {
	Server       ServerSettings       `mapstructure:"server" yaml:"server"`
	Storage      StorageSettings      `mapstructure:"storage" yaml:"storage"`
	Media        MediaSettings        `mapstructure:"media" yaml:"media"`
	Auth         AuthSettings         `mapstructure:"auth" yaml:"auth"`
	Lifecycle    LifecycleSettings    `mapstructure:"lifecycle" yaml:"lifecycle"`
	Listing      ListingSettings      `mapstructure:"listing" yaml:"listing"`
	Log          LogSettings          `mapstructure:"log" yaml:"log"`
	Notification NotificationSettings `mapstructure:"notification" yaml:"notification"`
	NATS         NATSSettings         `mapstructure:"nats" yaml:"nats"`
	Bot          BotSettings          `mapstructure:"bot" yaml:"bot"`
	Events       EventsSettings       `mapstructure:"events" yaml:"events"`
}

type ServerSettings struct {
	Listen          string        `mapstructure:"listen" yaml:"listen"`
	BaseURL         string        `mapstructure:"base-url" yaml:"base-url"`
	ReadTimeout     time.Duration `mapstructure:"read-timeout" yaml:"read-timeout"`
	WriteTimeout    time.Duration `mapstructure:"write-timeout" yaml:"write-timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout" yaml:"shutdown-timeout"`
}

type StorageSettings struct {
	Backend string       `mapstructure:"backend" yaml:"backend"`
	Path    string       `mapstructure:"path" yaml:"path"`
	Dolt    DoltSettings `mapstructure:"dolt" yaml:"dolt"`
}

type DoltSettings struct {
	Server     bool   `mapstructure:"server" yaml:"server"`
	DSN        string `mapstructure:"dsn" yaml:"dsn"`
	Database   string `mapstructure:"database" yaml:"database"`
	AutoCommit bool   `mapstructure:"auto-commit" yaml:"auto-commit"`
	Host       string `mapstructure:"host" yaml:"host"`
	Port       int    `mapstructure:"port" yaml:"port"`
	User       string `mapstructure:"user" yaml:"user"`
	Password   string `mapstructure:"password" yaml:"password"`
}

type MediaSettings struct {
	Root          string `mapstructure:"root" yaml:"root"`
	MaxUploadSize int64  `mapstructure:"max-upload-size" yaml:"max-upload-size"`
}

type AuthSettings struct {
	Secret     string        `mapstructure:"secret" yaml:"secret"`
	AccessTTL  time.Duration `mapstructure:"access-ttl" yaml:"access-ttl"`
	RefreshTTL time.Duration `mapstructure:"refresh-ttl" yaml:"refresh-ttl"`
}

type LifecycleSettings struct {
	RestrictReview bool `mapstructure:"restrict-review" yaml:"restrict-review"`
}

type ListingSettings struct {
	PageSize            int `mapstructure:"page-size" yaml:"page-size"`
	MaxPageSize         int `mapstructure:"max-page-size" yaml:"max-page-size"`
	AssignedPageSize    int `mapstructure:"assigned-page-size" yaml:"assigned-page-size"`
	AssignedMaxPageSize int `mapstructure:"assigned-max-page-size" yaml:"assigned-max-page-size"`
}

type LogSettings struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type NotificationSettings struct {
	Routes     []string      `mapstructure:"routes" yaml:"routes"`
	WebhookURL string        `mapstructure:"webhook-url" yaml:"webhook-url"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type NATSSettings struct {
	URL           string `mapstructure:"url" yaml:"url"`
	SubjectPrefix string `mapstructure:"subject-prefix" yaml:"subject-prefix"`
}

type BotSettings struct {
	Token        string `mapstructure:"token" yaml:"token"`
	APIBaseURL   string `mapstructure:"api-base-url" yaml:"api-base-url"`
	UseWebhook   bool   `mapstructure:"use-webhook" yaml:"use-webhook"`
	WebhookURL   string `mapstructure:"webhook-url" yaml:"webhook-url"`
	Listen       string `mapstructure:"listen" yaml:"listen"`
	StateBackend string `mapstructure:"state-backend" yaml:"state-backend"`
	RedisAddr    string `mapstructure:"redis-addr" yaml:"redis-addr"`
	PollTimeout  int    `mapstructure:"poll-timeout" yaml:"poll-timeout"`
	LockFile     string `mapstructure:"lock-file" yaml:"lock-file"`

	// AnnounceChat receives every new report when non-zero.
	AnnounceChat int64         `mapstructure:"announce-chat" yaml:"announce-chat"`
	StateTTL     time.Duration `mapstructure:"state-ttl" yaml:"state-ttl"`
}

// EventsSettings lists shell hooks run for lifecycle events.
type EventsSettings struct {
	Handlers []eventbus.ExternalHandlerConfig `mapstructure:"handlers" yaml:"handlers"`
}

// Load returns the current settings as a typed snapshot.
func Load() (*Settings, error) {
	var s Settings
	if err := instance().Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &s, nil
}

// Redacted returns a copy with secrets masked, for display.
func (s Settings) Redacted() Settings {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "********"
	}
	s.Auth.Secret = mask(s.Auth.Secret)
	s.Storage.Dolt.Password = mask(s.Storage.Dolt.Password)
	s.Bot.Token = mask(s.Bot.Token)
	if s.Storage.Dolt.DSN != "" {
		s.Storage.Dolt.DSN = mask(s.Storage.Dolt.DSN)
	}
	return s
}
