package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize(t *testing.T) {
	require.NoError(t, Initialize())
	if v == nil {
		t.Fatal("viper instance is nil after Initialize()")
	}
	assert.Empty(t, ConfigFileUsed())
}

func TestDefaults(t *testing.T) {
	require.NoError(t, Initialize())

	tests := []struct {
		key      string
		expected interface{}
		getter   func(string) interface{}
	}{
		{"server.listen", ":8000", func(k string) interface{} { return GetString(k) }},
		{"storage.backend", "sqlite", func(k string) interface{} { return GetString(k) }},
		{"lifecycle.restrict-review", true, func(k string) interface{} { return GetBool(k) }},
		{"listing.page-size", 10, func(k string) interface{} { return GetInt(k) }},
		{"listing.max-page-size", 100, func(k string) interface{} { return GetInt(k) }},
		{"listing.assigned-page-size", 3, func(k string) interface{} { return GetInt(k) }},
		{"listing.assigned-max-page-size", 20, func(k string) interface{} { return GetInt(k) }},
		{"auth.access-ttl", 5 * time.Minute, func(k string) interface{} { return GetDuration(k) }},
		{"log.level", "info", func(k string) interface{} { return GetString(k) }},
		{"bot.state-backend", "memory", func(k string) interface{} { return GetString(k) }},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := tt.getter(tt.key)
			if got != tt.expected {
				t.Errorf("GetXXX(%q) = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
	assert.Equal(t, []string{"log"}, GetStringSlice("notification.routes"))
}

func TestEnvironmentBinding(t *testing.T) {
	tests := []struct {
		envVar   string
		key      string
		value    string
		expected interface{}
		getter   func(string) interface{}
	}{
		{"CW_LOG_LEVEL", "log.level", "debug", "debug", func(k string) interface{} { return GetString(k) }},
		{"CW_LIFECYCLE_RESTRICT_REVIEW", "lifecycle.restrict-review", "false", false, func(k string) interface{} { return GetBool(k) }},
		{"CW_STORAGE_DOLT_PORT", "storage.dolt.port", "3306", 3306, func(k string) interface{} { return GetInt(k) }},
		{"CW_AUTH_REFRESH_TTL", "auth.refresh-ttl", "2h", 2 * time.Hour, func(k string) interface{} { return GetDuration(k) }},
		{"BOT_TOKEN", "bot.token", "123:abc", "123:abc", func(k string) interface{} { return GetString(k) }},
		{"API_BASE_URL", "bot.api-base-url", "http://api:8000/api", "http://api:8000/api", func(k string) interface{} { return GetString(k) }},
	}

	for _, tt := range tests {
		t.Run(tt.envVar, func(t *testing.T) {
			t.Setenv(tt.envVar, tt.value)
			require.NoError(t, Initialize())

			got := tt.getter(tt.key)
			if got != tt.expected {
				t.Errorf("GetXXX(%q) with %s=%s = %v, want %v", tt.key, tt.envVar, tt.value, got, tt.expected)
			}
		})
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "caspianwatch.yaml")
	content := `
storage:
  backend: dolt
  dolt:
    server: true
listing:
  page-size: 25
notification:
  routes: [log, webhook]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CW_CONFIG", path)
	require.NoError(t, Initialize())
	t.Cleanup(func() { _ = os.Unsetenv("CW_CONFIG"); _ = Initialize() })

	assert.Equal(t, path, ConfigFileUsed())
	assert.Equal(t, "dolt", GetString("storage.backend"))
	assert.True(t, GetBool("storage.dolt.server"))
	assert.Equal(t, 25, GetInt("listing.page-size"))
	assert.Equal(t, []string{"log", "webhook"}, GetStringSlice("notification.routes"))
	// Untouched keys keep their defaults.
	assert.Equal(t, 100, GetInt("listing.max-page-size"))
}

func TestMissingExplicitConfigIsNotAnError(t *testing.T) {
	t.Setenv("CW_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, Initialize())
	assert.Equal(t, "sqlite", GetString("storage.backend"))
}

func TestMalformedConfigFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caspianwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage: [unterminated"), 0o600))
	t.Setenv("CW_CONFIG", path)
	assert.Error(t, Initialize())
}

func TestSetOverrides(t *testing.T) {
	require.NoError(t, Initialize())
	Set("log.level", "warn")
	assert.Equal(t, "warn", GetString("log.level"))
	assert.True(t, IsSet("log.level"))
}

func TestLoad(t *testing.T) {
	t.Setenv("CW_NOTIFICATION_ROUTES", "log,nats")
	t.Setenv("CW_AUTH_SECRET", "s3cret")
	require.NoError(t, Initialize())

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8000", s.Server.Listen)
	assert.Equal(t, 15*time.Second, s.Server.ReadTimeout)
	assert.Equal(t, "caspianwatch", s.Storage.Dolt.Database)
	assert.True(t, s.Storage.Dolt.AutoCommit)
	assert.Equal(t, int64(10<<20), s.Media.MaxUploadSize)
	assert.True(t, s.Lifecycle.RestrictReview)
	assert.Equal(t, 3, s.Listing.AssignedPageSize)
	assert.Equal(t, []string{"log", "nats"}, s.Notification.Routes)
	assert.Equal(t, "s3cret", s.Auth.Secret)

	red := s.Redacted()
	assert.Equal(t, "********", red.Auth.Secret)
	assert.Empty(t, red.Bot.Token)
	assert.Equal(t, "s3cret", s.Auth.Secret, "Redacted must not modify the receiver")
}

func TestWatchReloadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caspianwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lifecycle:\n  restrict-review: true\n"), 0o600))
	t.Setenv("CW_CONFIG", path)
	require.NoError(t, Initialize())
	t.Cleanup(ResetForTesting)

	changed := make(chan struct{}, 1)
	OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	Watch()

	require.NoError(t, os.WriteFile(path, []byte("lifecycle:\n  restrict-review: false\n"), 0o600))
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
	assert.Eventually(t, func() bool { return !GetBool("lifecycle.restrict-review") }, 2*time.Second, 20*time.Millisecond)
}

func TestLoadEventHandlers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caspianwatch.yaml")
	body := `events:
  handlers:
    - id: archive
      command: cat >> /tmp/events.jsonl
      events: [ReportApproved, ReportRejected]
      priority: 20
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("CW_CONFIG", path)
	require.NoError(t, Initialize())
	t.Cleanup(ResetForTesting)

	s, err := Load()
	require.NoError(t, err)
	require.Len(t, s.Events.Handlers, 1)
	h := s.Events.Handlers[0]
	assert.Equal(t, "archive", h.ID)
	assert.Equal(t, []string{"ReportApproved", "ReportRejected"}, h.Events)
	assert.Equal(t, 20, h.Priority)
}
