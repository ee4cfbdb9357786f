// Package debug holds the process-wide CW_DEBUG trace and the -v/-q
// switches. It writes straight to stderr so it works before the structured
// logger is configured.
package debug

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

var (
	fromEnv = os.Getenv("CW_DEBUG") != ""
	verbose atomic.Bool
	quiet   atomic.Bool

	mu  sync.Mutex
	out io.Writer = os.Stderr
)

// Enabled is true with CW_DEBUG set or after SetVerbose(true).
func Enabled() bool { return fromEnv || verbose.Load() }

func SetVerbose(v bool) { verbose.Store(v) }

// SetQuiet hides warnings and traces.
func SetQuiet(q bool) { quiet.Store(q) }

func IsQuiet() bool { return quiet.Load() }

// Logf writes a trace line when Enabled and not quiet.
func Logf(format string, args ...any) {
	if !Enabled() || IsQuiet() {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, format, args...)
}
