//go:build unix

package mirror

import (
	"os"
	"syscall"

	"github.com/cockroachdb/errors"
)

// Flock is an advisory, non-blocking, exclusive lock on a file.
type Flock struct {
	file *os.File
}

// Lock acquires the lock. It fails immediately if another open file
// description holds it.
func (f Flock) Lock() error {
	if err := syscall.Flock(int(f.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return errors.Wrap(err, "flock "+f.file.Name())
	}
	return nil
}

// Unlock releases the lock.
func (f Flock) Unlock() error {
	return syscall.Flock(int(f.file.Fd()), syscall.LOCK_UN)
}
