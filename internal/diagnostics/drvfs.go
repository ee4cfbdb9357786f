// Package diagnostics flags host setups where the embedded stores misbehave.
package diagnostics

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const mountsFile = "/proc/mounts"

// StorageWarnings returns one warning for every path that sits on a WSL
// DrvFS mount, where sqlite and dolt file locks are not honoured.
// Empty paths are skipped.
func StorageWarnings(paths ...string) []string {
	var out []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		on, err := IsDrvFSPath(abs)
		if err != nil || !on {
			continue
		}
		out = append(out, fmt.Sprintf("%s is on a Windows drive mount; file locking there is unreliable, keep data under the Linux filesystem", p))
	}
	return out
}

// IsDrvFSPath reports whether path lives on a WSL DrvFS mount. Off Linux it
// always reports false.
func IsDrvFSPath(path string) (bool, error) {
	if path == "" || runtime.GOOS != "linux" {
		return false, nil
	}
	cleaned := filepath.Clean(path)

	f, err := os.Open(mountsFile)
	if err == nil {
		defer f.Close()
		on, scanErr := onDrvFS(f, cleaned)
		if scanErr == nil {
			return on, nil
		}
		err = scanErr
	}
	if errors.Is(err, os.ErrPermission) {
		return false, err
	}
	return looksLikeDriveMount(cleaned), nil
}

// onDrvFS scans a mounts table and reports whether the longest mount point
// containing path is a Windows drive.
func onDrvFS(r io.Reader, path string) (bool, error) {
	var best string
	var bestDrvFS bool
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		mount, fstype := fields[1], fields[2]
		if !within(path, mount) || len(mount) < len(best) {
			continue
		}
		best = mount
		bestDrvFS = strings.HasPrefix(fstype, "drvfs") || (fstype == "9p" && strings.HasPrefix(mount, "/mnt/"))
	}
	if err := sc.Err(); err != nil {
		return false, err
	}
	return bestDrvFS, nil
}

func within(path, mount string) bool {
	if mount == "/" {
		return true
	}
	return path == mount || strings.HasPrefix(path, mount+"/")
}

// looksLikeDriveMount is the fallback when the mounts table is unreadable.
// WSL mounts drive C: at /mnt/c.
func looksLikeDriveMount(path string) bool {
	rest, ok := strings.CutPrefix(path, "/mnt/")
	if !ok {
		return false
	}
	drive, _, _ := strings.Cut(rest, "/")
	return len(drive) == 1 && drive[0] >= 'a' && drive[0] <= 'z'
}
