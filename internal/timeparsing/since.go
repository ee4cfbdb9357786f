// Package timeparsing reads the lower time bounds accepted by the report
// listing commands: "7d", "2025-05-01", "15.05.2025", RFC3339 timestamps or
// English phrases like "3 days ago".
package timeparsing

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// ErrFuture is returned for bounds after now.
var ErrFuture = errors.New("time is in the future")

// agoRe matches an amount and unit back from now. A leading "-" is
// accepted and means the same thing; "+" points into the future.
var agoRe = regexp.MustCompile(`^([+-]?)(\d{1,5})([hdwmy])$`)

var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

var phrases = func() *when.Parser {
	p := when.New(nil)
	p.Add(en.All...)
	p.Add(common.All...)
	return p
}()

// ParseSince resolves s against now. The result is never after now.
func ParseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty time expression")
	}

	t, err := parse(s, now)
	if err != nil {
		return time.Time{}, err
	}
	if t.After(now) {
		return time.Time{}, fmt.Errorf("%q: %w", s, ErrFuture)
	}
	return t, nil
}

func parse(s string, now time.Time) (time.Time, error) {
	if m := agoRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[2])
		if m[1] != "+" {
			n = -n
		}
		return Shift(now, n, m[3][0]), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}
	if r, err := phrases.Parse(s, now); err == nil && r != nil {
		return r.Time, nil
	}
	return time.Time{}, fmt.Errorf("cannot read %q as a time: try 7d, 2025-05-01, 15.05.2025 or \"3 days ago\"", s)
}

// Shift moves base by n units of h(ours), d(ays), w(eeks), m(onths) or
// y(ears). Calendar units follow time.AddDate normalisation.
func Shift(base time.Time, n int, unit byte) time.Time {
	switch unit {
	case 'h':
		return base.Add(time.Duration(n) * time.Hour)
	case 'd':
		return base.AddDate(0, 0, n)
	case 'w':
		return base.AddDate(0, 0, 7*n)
	case 'm':
		return base.AddDate(0, n, 0)
	case 'y':
		return base.AddDate(n, 0, 0)
	}
	return base
}
