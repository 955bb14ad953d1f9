package db

import (
	"fmt"

	"github.com/gofrs/flock"
)

// AcquireWriterLock takes an exclusive advisory lock beside the database
// file so only one ingesting process mutates a store at a time. The returned
// function releases it. In-memory stores need no lock.
func AcquireWriterLock(path string) (func() error, error) {
	if path == MemoryPath {
		return func() error { return nil }, nil
	}
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire writer lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWriterLocked, lock.Path())
	}
	return lock.Unlock, nil
}
