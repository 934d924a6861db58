package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LockFileName is the instance lock created inside the data directory.
const LockFileName = "nudge.lock"

// ErrLocked is returned by LockDataDir when another process holds the
// data directory.
var ErrLocked = errors.New("data directory is in use by another nudge process")

// Lock is an exclusive hold on a data directory. The schedulers claim
// rows assuming they are the only poller, so serve takes it before
// starting them.
type Lock struct {
	file *os.File
	path string
}

// LockDataDir takes the instance lock in dataDir without waiting. The
// lock file holds the owner's PID. The operating system drops the lock
// when the owner exits, so a file left behind by a crash does not block
// the next start.
func LockDataDir(dataDir string) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, LockFileName)
	f, err := lockFile(path)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			if pid := readPID(path); pid != 0 {
				return nil, fmt.Errorf("%w (pid %d, %s)", ErrLocked, pid, path)
			}
			return nil, fmt.Errorf("%w (%s)", ErrLocked, path)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Lock{file: f, path: path}, nil
}

// Release gives the data directory up. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlockFile(l.file, l.path)
	l.file = nil
	return err
}

func readPID(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(b)))
	return pid
}
