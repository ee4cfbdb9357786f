package ui

import (
	"io"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/term"
)

// PagerOptions controls pager behavior
type PagerOptions struct {
	// NoPager disables the pager (--no-pager flag)
	NoPager bool
}

// pagerCommand returns the pager to run, or nil when output should go
// straight to stdout: --no-pager, CW_NO_PAGER, or a non-terminal stdout.
func pagerCommand(opts PagerOptions) []string {
	if opts.NoPager || os.Getenv("CW_NO_PAGER") != "" || !IsTerminal() {
		return nil
	}
	for _, env := range []string{"CW_PAGER", "PAGER"} {
		if v := strings.Fields(os.Getenv(env)); len(v) > 0 {
			return v
		}
	}
	return []string{"less"}
}

// fitsScreen reports whether content fits the terminal without scrolling.
func fitsScreen(content string) bool {
	_, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || height <= 0 {
		return true
	}
	return strings.Count(content, "\n")+1 <= height-1
}

// ToPager writes content to w, through a pager when stdout is a terminal
// and the content is taller than the screen.
func ToPager(w io.Writer, content string, opts PagerOptions) error {
	argv := pagerCommand(opts)
	if argv == nil || fitsScreen(content) {
		_, err := io.WriteString(w, content)
		return err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(content)
	cmd.Stdout = w
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	// -R keeps colors, -F quits when the content fits, -X keeps the screen.
	if os.Getenv("LESS") == "" {
		cmd.Env = append(cmd.Env, "LESS=-RFX")
	}
	return cmd.Run()
}
