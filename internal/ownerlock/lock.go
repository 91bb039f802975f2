// Package ownerlock grants the single sync owner role to one process per data
// directory. The lock is advisory and released by the kernel when the owning
// process exits, so a crashed owner never blocks its successor.
package ownerlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrHeld reports that another process already owns the lock.
var ErrHeld = errors.New("owner lock held by another process")

type Lock struct {
	path string
	file *os.File
}

// HeldError carries the pid recorded by the current owner, when readable.
type HeldError struct {
	Path     string
	OwnerPID int
}

func (e *HeldError) Error() string {
	if e.OwnerPID > 0 {
		return fmt.Sprintf("%s: %s (pid %d)", ErrHeld, e.Path, e.OwnerPID)
	}
	return fmt.Sprintf("%s: %s", ErrHeld, e.Path)
}

func (e *HeldError) Is(target error) bool {
	return target == ErrHeld
}

// Acquire takes the lock at path without blocking.
func Acquire(path string) (*Lock, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("owner lock path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := tryLock(file); err != nil {
		_ = file.Close()
		if errors.Is(err, ErrHeld) {
			return nil, &HeldError{Path: path, OwnerPID: readPID(path)}
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
		_ = file.Sync()
	}
	return &Lock{path: path, file: file}, nil
}

func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and closes the file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil
	_ = file.Truncate(0)
	unlockErr := unlock(file)
	closeErr := file.Close()
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
