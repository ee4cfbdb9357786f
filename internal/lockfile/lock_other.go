//go:build !unix && !windows

package lockfile

import "os"

// Single-process platforms such as js/wasm have nothing to lock against.
func lockExclusive(*os.File) error { return nil }

func unlock(*os.File) error { return nil }
