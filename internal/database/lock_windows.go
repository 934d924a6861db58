//go:build windows

package database

import (
	"errors"
	"os"
)

// Windows has no advisory flock; the file's existence is the lock and
// a crashed owner's file has to be removed by hand.
func lockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil, ErrLocked
	}
	return f, err
}

func unlockFile(f *os.File, path string) error {
	err := f.Close()
	if rmErr := os.Remove(path); err == nil {
		err = rmErr
	}
	return err
}
