package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caspianwatch/caspianwatch/internal/config"
	"github.com/caspianwatch/caspianwatch/internal/logging"
	"github.com/caspianwatch/caspianwatch/internal/notification"
	"github.com/caspianwatch/caspianwatch/internal/storage/memory"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

// setupTestConfig points the config at a fresh sqlite database and media
// directory and returns the config file path.
func setupTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "caspianwatch.yaml")
	body := "storage:\n" +
		"  backend: sqlite\n" +
		"  path: " + filepath.Join(dir, "cw.db") + "\n" +
		"media:\n" +
		"  root: " + filepath.Join(dir, "media") + "\n" +
		"auth:\n" +
		"  secret: test-secret\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("CW_CONFIG", path)
	require.NoError(t, config.Initialize())
	t.Cleanup(config.ResetForTesting)
	return path
}

// resetFlags restores every flag to its default so one Execute does not
// leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// runCW executes the root command in-process and returns its stdout.
func runCW(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	jsonOutput = false
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func mustRunCW(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCW(t, args...)
	require.NoError(t, err, "cw %s\n%s", strings.Join(args, " "), out)
	return out
}

func TestVersionCommand(t *testing.T) {
	setupTestConfig(t)

	out := mustRunCW(t, "version")
	assert.Contains(t, out, "cw version "+Version)

	out = mustRunCW(t, "version", "--json")
	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, Version, v["version"])
	assert.Equal(t, Build, v["build"])
	assert.NotEmpty(t, v["go"])
	assert.Contains(t, v["platform"], "/")
}

func TestSeedIsRepeatable(t *testing.T) {
	setupTestConfig(t)

	out := mustRunCW(t, "seed")
	assert.Contains(t, out, "Pollution types: 5 created, 0 already present")

	out = mustRunCW(t, "seed", "--json")
	var res struct {
		CategoriesCreated  int
		CategoriesExisting int
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 0, res.CategoriesCreated)
	assert.Equal(t, 5, res.CategoriesExisting)
}

func TestUserCommands(t *testing.T) {
	setupTestConfig(t)

	out := mustRunCW(t, "user", "create", "--username", "aigerim", "--password", "secret1", "--first-name", "Айгерим", "--telegram-id", "777")
	assert.Contains(t, out, "Created user aigerim")

	_, err := runCW(t, "user", "create", "--username", "aigerim", "--password", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)

	out = mustRunCW(t, "user", "set-role", "aigerim", "Волонтер")
	assert.Contains(t, out, "aigerim is now Волонтер")

	out = mustRunCW(t, "user", "show", "aigerim", "--json")
	var id types.Identity
	require.NoError(t, json.Unmarshal([]byte(out), &id))
	assert.Equal(t, types.RoleVolunteer, id.Role)
	require.NotNil(t, id.TelegramID)
	assert.Equal(t, int64(777), *id.TelegramID)

	mustRunCW(t, "user", "create", "--username", "timur", "--password", "secret2")
	mustRunCW(t, "user", "link", "timur", "777")
	out = mustRunCW(t, "user", "show", "aigerim")
	assert.NotContains(t, out, "Telegram:", "linking moves the handle")
	out = mustRunCW(t, "user", "show", "timur")
	assert.Contains(t, out, "Telegram:  777")

	_, err = runCW(t, "user", "set-role", "timur", "captain")
	assert.ErrorContains(t, err, "unknown role")
}

func TestCreateSuperuserNeedsTerminalOrFlags(t *testing.T) {
	setupTestConfig(t)

	_, err := runCW(t, "createsuperuser")
	require.Error(t, err)
	var he *hintError
	require.ErrorAs(t, err, &he)
	assert.Contains(t, he.hint, "--username")

	mustRunCW(t, "createsuperuser", "--username", "root", "--password", "toor")
	out := mustRunCW(t, "user", "show", "root", "--json")
	var id types.Identity
	require.NoError(t, json.Unmarshal([]byte(out), &id))
	assert.True(t, id.IsSuperuser)
	assert.Equal(t, types.RoleAdmin, id.Role)
}

func TestReportsListAndShow(t *testing.T) {
	setupTestConfig(t)
	mustRunCW(t, "seed")
	mustRunCW(t, "user", "create", "--username", "reporter", "--password", "pw")

	out := mustRunCW(t, "fake", "reports", "--count", "4", "--reporter", "reporter")
	assert.Contains(t, out, "Created 4 reports")

	out = mustRunCW(t, "reports", "list", "--json")
	var reports []types.Report
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 4)
	for i := 1; i < len(reports); i++ {
		assert.False(t, reports[i].CreatedAt.After(reports[i-1].CreatedAt), "newest first")
	}
	for _, r := range reports {
		require.NotNil(t, r.ReportedBy)
	}

	out = mustRunCW(t, "reports", "list", "--state", "open", "-n", "2", "--json")
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	assert.Len(t, reports, 2)

	out = mustRunCW(t, "reports", "list", "--state", "approved")
	assert.Contains(t, out, "No reports found.")

	out = mustRunCW(t, "reports", "list", "--since", "1d")
	assert.Contains(t, out, "DESCRIPTION")
	assert.Contains(t, out, "4 report(s)")

	out = mustRunCW(t, "reports", "show", "#1")
	assert.Contains(t, out, "#1")
	assert.Contains(t, out, "Photo:")

	_, err := runCW(t, "reports", "list", "--state", "lost")
	assert.ErrorContains(t, err, "invalid --state")
	_, err = runCW(t, "reports", "list", "--type", "Лёд")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = runCW(t, "reports", "show", "99")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestFakeReportsRequiresCategories(t *testing.T) {
	setupTestConfig(t)
	_, err := runCW(t, "fake", "reports", "--count", "1")
	require.Error(t, err)
	var he *hintError
	require.ErrorAs(t, err, &he)
	assert.Contains(t, he.hint, "cw seed")
}

func TestConfigCommands(t *testing.T) {
	path := setupTestConfig(t)

	out := mustRunCW(t, "config", "show")
	assert.Contains(t, out, "# "+path)
	assert.Contains(t, out, "********")
	assert.NotContains(t, out, "test-secret")

	mustRunCW(t, "config", "set", "lifecycle.restrict-review", "false")
	out = mustRunCW(t, "config", "get", "lifecycle.restrict-review")
	assert.Equal(t, "false", strings.TrimSpace(out))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "restrict-review: false")
	assert.Contains(t, string(data), "secret: test-secret", "other keys are preserved")

	out = mustRunCW(t, "config", "path")
	assert.Equal(t, path, strings.TrimSpace(out))
}

func TestParseReportListSince(t *testing.T) {
	now := time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)
	resetFlags(reportsListCmd)
	require.NoError(t, reportsListCmd.Flags().Set("since", "3 days ago"))
	t.Cleanup(func() { resetFlags(reportsListCmd) })

	opts, err := parseReportListFlags(reportsListCmd, now)
	require.NoError(t, err)
	require.NotNil(t, opts.since)
	assert.Equal(t, 7, opts.since.Day())
	assert.Equal(t, 50, opts.limit)
}

func TestBotConfig(t *testing.T) {
	var s config.Settings
	s.Bot.AnnounceChat = -100
	s.Bot.PollTimeout = 30

	cfg := botConfig(&s)
	assert.True(t, cfg.NotifyAdmins, "without NATS the bot requests reviewer notices itself")
	assert.Equal(t, int64(-100), cfg.AnnounceChat)
	assert.Equal(t, 30, cfg.PollTimeout)

	s.Notification.Routes = []string{notification.RouteLog, notification.RouteTelegram}
	assert.False(t, botConfig(&s).NotifyAdmins, "the server already sends reviewer notices over telegram")

	s.Notification.Routes = []string{notification.RouteLog}
	assert.True(t, botConfig(&s).NotifyAdmins)

	s.NATS.URL = "nats://127.0.0.1:4222"
	assert.False(t, botConfig(&s).NotifyAdmins)

	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Empty(t, firstNonEmpty("", ""))
}

func TestNewServiceWiring(t *testing.T) {
	setupTestConfig(t)
	s, err := config.Load()
	require.NoError(t, err)
	s.Notification.Routes = []string{notification.RouteLog}

	svc, err := newService(t.Context(), s, memory.New(), serviceOptions{}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	ts := httptest.NewServer(svc.server.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/pollutions/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.True(t, svc.engine.Policy().RestrictReview)
	s.Lifecycle.RestrictReview = false
	s.Notification.Routes = []string{notification.RouteLog, notification.RouteWebhook}
	svc.apply(s)
	assert.False(t, svc.engine.Policy().RestrictReview)
	assert.Equal(t, s.Notification.Routes, svc.dispatcher.Routes())
}

func TestNewServiceRequiresSecret(t *testing.T) {
	setupTestConfig(t)
	s, err := config.Load()
	require.NoError(t, err)
	s.Auth.Secret = ""

	_, err = newService(t.Context(), s, memory.New(), serviceOptions{}, logging.Discard())
	var he *hintError
	require.ErrorAs(t, err, &he)
	assert.Contains(t, he.hint, "CW_AUTH_SECRET")
}

func TestNewServiceEmbeddedNATS(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded NATS server")
	}
	setupTestConfig(t)
	s, err := config.Load()
	require.NoError(t, err)
	s.Notification.Routes = []string{notification.RouteNATS}

	svc, err := newService(t.Context(), s, memory.New(), serviceOptions{
		natsEmbedded: true,
		natsPort:     -1,
		natsStoreDir: t.TempDir(),
	}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	assert.NotNil(t, svc.conn)
	assert.True(t, svc.bus.JetStreamEnabled())
}
