// Package config holds the process-wide viper instance.
//
// Values come from, highest precedence first: explicit Set calls (CLI
// flags), CW_* environment variables, caspianwatch.yaml, and the defaults
// registered in Initialize. A .env file in the working directory is loaded
// into the environment before viper reads it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CW_LOG_LEVEL.
const EnvPrefix = "CW"

// ConfigName is the config file base name searched for by Initialize.
const ConfigName = "caspianwatch"

var (
	v  *viper.Viper
	mu sync.RWMutex

	watchers []func()
)

// Initialize sets up the viper instance. It is safe to call again; each
// call starts from a clean instance.
func Initialize() error {
	// .env is optional; existing environment variables win.
	_ = godotenv.Load()

	nv := viper.New()
	nv.SetConfigName(ConfigName)
	nv.SetConfigType("yaml")

	if path := os.Getenv("CW_CONFIG"); path != "" {
		nv.SetConfigFile(path)
	} else {
		nv.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			nv.AddConfigPath(filepath.Join(dir, ConfigName))
		}
		if home, err := os.UserHomeDir(); err == nil {
			nv.AddConfigPath(filepath.Join(home, ".config", ConfigName))
		}
	}

	nv.SetEnvPrefix(EnvPrefix)
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	nv.AutomaticEnv()

	setDefaults(nv)

	// The bot historically read these unprefixed names.
	_ = nv.BindEnv("bot.token", "CW_BOT_TOKEN", "BOT_TOKEN")
	_ = nv.BindEnv("bot.api-base-url", "CW_BOT_API_BASE_URL", "API_BASE_URL")

	if err := nv.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	mu.Lock()
	v = nv
	mu.Unlock()
	return nil
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	// An explicit CW_CONFIG path that does not exist surfaces as a
	// filesystem error rather than ConfigFileNotFoundError.
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

func setDefaults(nv *viper.Viper) {
	nv.SetDefault("server.listen", ":8000")
	nv.SetDefault("server.base-url", "http://localhost:8000")
	nv.SetDefault("server.read-timeout", 15*time.Second)
	nv.SetDefault("server.write-timeout", 30*time.Second)
	nv.SetDefault("server.shutdown-timeout", 10*time.Second)

	nv.SetDefault("storage.backend", "sqlite")
	nv.SetDefault("storage.path", "caspianwatch.db")
	nv.SetDefault("storage.dolt.server", false)
	nv.SetDefault("storage.dolt.dsn", "")
	nv.SetDefault("storage.dolt.database", "caspianwatch")
	nv.SetDefault("storage.dolt.auto-commit", true)
	nv.SetDefault("storage.dolt.host", "127.0.0.1")
	nv.SetDefault("storage.dolt.port", 3307)
	nv.SetDefault("storage.dolt.user", "root")
	nv.SetDefault("storage.dolt.password", "")

	nv.SetDefault("media.root", "media")
	nv.SetDefault("media.max-upload-size", 10<<20)

	nv.SetDefault("auth.secret", "")
	nv.SetDefault("auth.access-ttl", 5*time.Minute)
	nv.SetDefault("auth.refresh-ttl", 24*time.Hour)

	nv.SetDefault("lifecycle.restrict-review", true)

	nv.SetDefault("listing.page-size", 10)
	nv.SetDefault("listing.max-page-size", 100)
	nv.SetDefault("listing.assigned-page-size", 3)
	nv.SetDefault("listing.assigned-max-page-size", 20)

	nv.SetDefault("log.level", "info")
	nv.SetDefault("log.format", "text")

	nv.SetDefault("notification.routes", []string{"log"})
	nv.SetDefault("notification.webhook-url", "")
	nv.SetDefault("notification.timeout", 10*time.Second)

	nv.SetDefault("nats.url", "")
	nv.SetDefault("nats.subject-prefix", "pollution")

	nv.SetDefault("bot.token", "")
	nv.SetDefault("bot.api-base-url", "http://localhost:8000/api")
	nv.SetDefault("bot.use-webhook", false)
	nv.SetDefault("bot.webhook-url", "")
	nv.SetDefault("bot.listen", ":8080")
	nv.SetDefault("bot.state-backend", "memory")
	nv.SetDefault("bot.redis-addr", "localhost:6379")
	nv.SetDefault("bot.poll-timeout", 60)
	nv.SetDefault("bot.lock-file", "cw-bot.lock")
	nv.SetDefault("bot.announce-chat", 0)
	nv.SetDefault("bot.state-ttl", 24*time.Hour)
}

// instance returns the viper instance, initializing it with defaults when
// nothing has called Initialize yet.
func instance() *viper.Viper {
	mu.RLock()
	cur := v
	mu.RUnlock()
	if cur != nil {
		return cur
	}
	_ = Initialize()
	mu.RLock()
	defer mu.RUnlock()
	return v
}

// ResetForTesting drops the current instance and any watchers.
func ResetForTesting() {
	mu.Lock()
	v = nil
	watchers = nil
	mu.Unlock()
}

func GetString(key string) string {
	return instance().GetString(key)
}

func GetBool(key string) bool {
	return instance().GetBool(key)
}

func GetInt(key string) int {
	return instance().GetInt(key)
}

func GetInt64(key string) int64 {
	return instance().GetInt64(key)
}

func GetDuration(key string) time.Duration {
	return instance().GetDuration(key)
}

func GetStringSlice(key string) []string {
	return instance().GetStringSlice(key)
}

// IsSet reports whether key has a value from any source, defaults included.
func IsSet(key string) bool {
	return instance().IsSet(key)
}

// AllSettings returns the merged settings tree.
func AllSettings() map[string]interface{} {
	return instance().AllSettings()
}

// Set overrides key for the rest of the process (CLI flags).
func Set(key string, value interface{}) {
	instance().Set(key, value)
}

// ConfigFileUsed returns the path of the loaded config file, or "".
func ConfigFileUsed() string {
	return instance().ConfigFileUsed()
}

// OnChange registers fn to run after the config file is reloaded.
func OnChange(fn func()) {
	mu.Lock()
	watchers = append(watchers, fn)
	mu.Unlock()
}

// Watch starts reloading the config file on change. It is a no-op when no
// file was loaded.
func Watch() {
	cur := instance()
	if cur.ConfigFileUsed() == "" {
		return
	}
	cur.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		mu.RLock()
		fns := append([]func(){}, watchers...)
		mu.RUnlock()
		for _, fn := range fns {
			fn()
		}
	})
	cur.WatchConfig()
}
