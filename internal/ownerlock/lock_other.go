//go:build !unix

package ownerlock

import (
	"os"
	"sync"
)

// Without flock the lock only excludes owners inside this process.
var (
	heldMu sync.Mutex
	held   = map[string]struct{}{}
)

func tryLock(file *os.File) error {
	heldMu.Lock()
	defer heldMu.Unlock()
	if _, ok := held[file.Name()]; ok {
		return ErrHeld
	}
	held[file.Name()] = struct{}{}
	return nil
}

func unlock(file *os.File) error {
	heldMu.Lock()
	defer heldMu.Unlock()
	delete(held, file.Name())
	return nil
}
