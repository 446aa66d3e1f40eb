package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLocker holds an advisory lock on a file. It excludes other processes on
// the same host as well as concurrent callers in this process.
type FileLocker struct {
	path   string
	mem    MemoryLocker
	logger *slog.Logger
}

// NewFileLocker creates a locker on path, creating its directory if needed.
func NewFileLocker(path string, logger *slog.Logger) (*FileLocker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &FileLocker{path: path, logger: logger.With("component", "lock", "path", path)}, nil
}

// TryLock implements Locker.
func (f *FileLocker) TryLock(ctx context.Context) (context.Context, Release, error) {
	lctx, releaseMem, err := f.mem.TryLock(ctx)
	if err != nil {
		return nil, nil, err
	}

	fl := flock.New(f.path)
	ok, err := fl.TryLock()
	if err != nil {
		releaseMem()
		return nil, nil, fmt.Errorf("lock %s: %w", f.path, err)
	}
	if !ok {
		releaseMem()
		return nil, nil, ErrLocked
	}

	return lctx, onceRelease(func() {
		if err := fl.Unlock(); err != nil {
			f.logger.Warn("failed to release file lock", "error", err)
		}
		releaseMem()
	}), nil
}
