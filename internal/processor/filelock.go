package processor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// deleteWithLock deletes path after acquiring a non-blocking exclusive
// advisory lock on it. A held lock means another process is still writing the
// file, so the attempt fails fast instead of waiting. Deleting an already
// missing file succeeds.
func deleteWithLock(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open file for deletion: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("file is locked by another process: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}
