package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

func init() {
	if !ShouldUseColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ShouldUseColor follows the NO_COLOR and CLICOLOR conventions:
// NO_COLOR (any value) disables color, CLICOLOR_FORCE enables it even when
// piped, CLICOLOR=0 disables it, and otherwise color is on for terminals.
func ShouldUseColor() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if v := os.Getenv("CLICOLOR_FORCE"); v != "" && v != "0" {
		return true
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	return IsTerminal() && termenv.EnvColorProfile() != termenv.Ascii
}

// ShouldUseEmoji reports whether state icons may use emoji.
// CW_NO_EMOJI disables them; they are also off when stdout is piped.
func ShouldUseEmoji() bool {
	if os.Getenv("CW_NO_EMOJI") != "" {
		return false
	}
	return IsTerminal()
}

// IsInteractive reports whether both stdin and stdout are terminals, so
// prompts can be shown.
func IsInteractive() bool {
	return IsTerminal() && term.IsTerminal(int(os.Stdin.Fd()))
}
