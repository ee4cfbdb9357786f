// Package lockfile keeps at most one process per lock path. The Telegram
// bot takes one so that two pollers never share a token.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// Info is written into a held lock file.
type Info struct {
	PID     int       `json:"pid"`
	Command string    `json:"command"`
	Started time.Time `json:"started"`
}

// Lock is a held exclusive lock. The OS drops it if the process dies.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes the lock at path without blocking and records the caller.
func Acquire(path, command string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) // #nosec G304 -- path comes from config
	if err != nil {
		return nil, fmt.Errorf("open lock: %w", err)
	}
	if err := lockExclusive(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLocked) {
			if info, rerr := ReadInfo(path); rerr == nil && info.PID > 0 {
				return nil, fmt.Errorf("%w (pid %d, %s)", ErrLocked, info.PID, info.Command)
			}
		}
		return nil, err
	}

	info := Info{PID: os.Getpid(), Command: command, Started: time.Now().UTC()}
	data, _ := json.Marshal(info)
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt(append(data, '\n'), 0)
		_ = f.Sync()
	}
	return &Lock{f: f, path: path}, nil
}

// Release unlocks and removes the lock file. It is safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// ReadInfo reads the holder recorded in a lock file.
func ReadInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from config
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock info: %w", err)
	}
	return &info, nil
}
