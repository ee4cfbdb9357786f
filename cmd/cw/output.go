package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/caspianwatch/caspianwatch/internal/debug"
)

// hintError carries an actionable suggestion printed under the error.
type hintError struct {
	err  error
	hint string
}

func (e *hintError) Error() string { return e.err.Error() }
func (e *hintError) Unwrap() error { return e.err }

// withHint attaches hint to err. A nil err stays nil.
func withHint(err error, hint string) error {
	if err == nil {
		return nil
	}
	return &hintError{err: err, hint: hint}
}

// printError writes err, and its hint when present, to w.
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	var he *hintError
	if errors.As(err, &he) {
		fmt.Fprintf(w, "Hint: %s\n", he.hint)
	}
}

// WarnError writes a warning to stderr unless -q was given.
func WarnError(format string, args ...interface{}) {
	if debug.IsQuiet() {
		return
	}
	fmt.Fprintf(os.Stderr, "Warning: "+format+"\n", args...)
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputJSONError writes {"error": ..., "hint": ...} to stderr.
func outputJSONError(err error) {
	obj := map[string]string{"error": err.Error()}
	var he *hintError
	if errors.As(err, &he) {
		obj["hint"] = he.hint
	}
	_ = outputJSON(os.Stderr, obj)
}
