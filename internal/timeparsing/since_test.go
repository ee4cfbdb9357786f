package timeparsing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)

func TestParseSince(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"7d", time.Date(2025, 5, 3, 12, 0, 0, 0, time.UTC)},
		{"-7d", time.Date(2025, 5, 3, 12, 0, 0, 0, time.UTC)},
		{"12h", time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)},
		{"2w", time.Date(2025, 4, 26, 12, 0, 0, 0, time.UTC)},
		{"1m", time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)},
		{"1y", time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)},
		{" 2025-05-01 ", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)},
		{"15.01.2025", time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"2025-03-08 09:30", time.Date(2025, 3, 8, 9, 30, 0, 0, time.UTC)},
		{"2025-03-08T09:30:00Z", time.Date(2025, 3, 8, 9, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSince(tt.in, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v, want %v", got, tt.want)
		})
	}
}

func TestParseSincePhrases(t *testing.T) {
	got, err := ParseSince("3 days ago", now)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Day())
	assert.Equal(t, time.May, got.Month())

	got, err = ParseSince("yesterday", now)
	require.NoError(t, err)
	assert.Equal(t, 9, got.Day())
}

func TestParseSinceRejects(t *testing.T) {
	_, err := ParseSince("+2d", now)
	assert.ErrorIs(t, err, ErrFuture)

	_, err = ParseSince("2030-01-01", now)
	assert.ErrorIs(t, err, ErrFuture)

	_, err = ParseSince("", now)
	assert.Error(t, err)

	_, err = ParseSince("not a date at all", now)
	assert.ErrorContains(t, err, "cannot read")
}

func TestShiftKeepsLocation(t *testing.T) {
	aktau := time.FixedZone("AQTT", 5*3600)
	base := time.Date(2025, 1, 31, 8, 0, 0, 0, aktau)

	got := Shift(base, 1, 'm')
	assert.Equal(t, aktau, got.Location())
	assert.Equal(t, time.March, got.Month(), "Jan 31 + 1 month normalises into March")
	assert.Equal(t, base, Shift(base, 3, 'x'))
}
