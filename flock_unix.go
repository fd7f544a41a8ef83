//go:build unix

package encryptedblock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// flockFile takes a non-blocking exclusive advisory lock on path.
func flockFile(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, NewIOError("lock", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, fmt.Errorf("%w: %s held by another process", ErrLocked, path)
		}
		return nil, NewIOError("lock", path, err)
	}
	return func() error {
		err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}
