//go:build unix

package pmwcas

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// flockExclusive acquires a non-blocking exclusive lock on f.
// Returns ErrLocked if the lock is already held. Backs WithOneWriter,
// turning a pool file opened by two writers at once into a detected
// error instead of undefined behavior.
func flockExclusive(f *os.File) error {
	err := flockFunc(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("pmwcas: %w", ErrLocked)
		}
		return fmt.Errorf("pmwcas: flock exclusive: %w", err)
	}
	return nil
}

// funlock releases the flock on f.
func funlock(f *os.File) error {
	if err := flockFunc(int(f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("pmwcas: funlock: %w", err)
	}
	return nil
}
