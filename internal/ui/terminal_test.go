package ui

import (
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caspianwatch/caspianwatch/internal/types"
)

func TestShouldUseColor(t *testing.T) {
	tests := []struct {
		name          string
		noColor       string
		cliColor      string
		cliColorForce string
		want          bool
	}{
		{name: "NO_COLOR disables color", noColor: "1", want: false},
		{name: "CLICOLOR=0 disables color", cliColor: "0", want: false},
		{name: "CLICOLOR_FORCE enables color even in non-TTY", cliColorForce: "1", want: true},
		{name: "NO_COLOR takes precedence over CLICOLOR_FORCE", noColor: "1", cliColorForce: "1", want: false},
		{name: "piped output has no color", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unset(t, "NO_COLOR", "CLICOLOR", "CLICOLOR_FORCE")
			if tt.noColor != "" {
				t.Setenv("NO_COLOR", tt.noColor)
			}
			if tt.cliColor != "" {
				t.Setenv("CLICOLOR", tt.cliColor)
			}
			if tt.cliColorForce != "" {
				t.Setenv("CLICOLOR_FORCE", tt.cliColorForce)
			}
			assert.Equal(t, tt.want, ShouldUseColor())
		})
	}
}

func TestShouldUseEmoji(t *testing.T) {
	t.Setenv("CW_NO_EMOJI", "1")
	assert.False(t, ShouldUseEmoji())

	unset(t, "CW_NO_EMOJI")
	assert.False(t, ShouldUseEmoji(), "stdout is not a TTY under go test")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "пакеты и…", Truncate("пакеты и бутылки", 9))
	assert.Equal(t, "a b c", Truncate("a\n b\t\tc", 10), "whitespace is collapsed")
	assert.Equal(t, "untouched", Truncate("untouched", 0))
}

func TestReportTable(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	created := time.Date(2025, 5, 1, 9, 30, 0, 0, time.Local)
	reports := []*types.Report{
		{
			ID: 12, Latitude: 42.98, Longitude: 47.5, CreatedAt: created,
			Description: "Нефтяное пятно у берега",
			Category:    &types.Category{ID: 1, Name: "Нефть"},
			AssignedTo:  []int64{3, 4},
		},
		{ID: 7, Latitude: 43, Longitude: 47.4, CreatedAt: created, Description: "Мусор", IsCompleted: true, IsApproved: true},
	}

	out := ansi.ReplaceAllString(ReportTable(reports), "")
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "ID")
	assert.Contains(t, lines[0], "DESCRIPTION")
	assert.Contains(t, lines[1], "assigned")
	assert.Contains(t, lines[1], "3,4")
	assert.Contains(t, lines[1], "42.98000, 47.50000")
	assert.Contains(t, lines[2], "approved")
	assert.Contains(t, lines[2], " - ", "missing category is a dash")

	// Columns line up: the STATE column starts at the same offset.
	col := strings.Index(lines[0], "STATE")
	assert.Equal(t, "assigned", lines[1][col:col+len("assigned")])
	assert.Equal(t, "approved", lines[2][col:col+len("approved")])
}

func TestToPagerWritesDirectlyWhenPiped(t *testing.T) {
	var b strings.Builder
	require.NoError(t, ToPager(&b, "hello\n", PagerOptions{}))
	assert.Equal(t, "hello\n", b.String())
}

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// unset clears env vars for the duration of the test.
func unset(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}
