package filelock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

var (
	errBusy     = errors.New("file is locked by another process")
	errReplaced = errors.New("file was replaced while locking")
)

// retryIO runs op until it succeeds, fails permanently or ctx is done.
// Only a missing file (after its parent directories are created), a lock held
// elsewhere, a file replaced under us and a sharing violation are retried.
// Anything else, a directory sitting at path included, is returned.
func retryIO(ctx context.Context, path string, op func() error) error {
	for {
		err := op()
		if err == nil {
			return nil
		}
		if fi, statErr := os.Stat(path); statErr == nil && fi.IsDir() {
			return fmt.Errorf("%w: %s", latcherrors.ErrLockIsDirectory, path)
		}
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
				return fmt.Errorf("lease directory: %w", mkErr)
			}
		case errors.Is(err, errBusy), errors.Is(err, errReplaced), isSharingViolation(err):
			slog.Debug("latch: lease file in use, retrying", "path", path, "error", err)
		default:
			return fmt.Errorf("lease file %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(openRetry):
		}
	}
}

// readFile returns the content of path, or nil when it does not exist.
func readFile(ctx context.Context, path string) ([]byte, error) {
	var b []byte
	err := retryIO(ctx, path, func() error {
		var err error
		b, err = os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			b, err = nil, nil
		}
		return err
	})
	return b, err
}

// lockedFile is a file held under an exclusive advisory lock.
type lockedFile struct {
	*os.File
	path string
}

// openLocked opens path for reading and writing, creating it if needed, and
// locks it. A file that was removed or replaced between the open and the lock
// is reopened, so the returned handle always refers to what path names.
func openLocked(ctx context.Context, path string) (*lockedFile, error) {
	var f *os.File
	err := retryIO(ctx, path, func() error {
		var err error
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return err
		}
		if err = lockFile(f); err != nil {
			f.Close()
			return err
		}
		if !sameFile(f, path) {
			_ = unlockFile(f)
			f.Close()
			return errReplaced
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &lockedFile{File: f, path: path}, nil
}

func sameFile(f *os.File, path string) bool {
	a, err := f.Stat()
	if err != nil {
		return false
	}
	b, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(a, b)
}

func (f *lockedFile) content() ([]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}

func (f *lockedFile) replace(b []byte) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(b, 0); err != nil {
		return err
	}
	return f.Sync()
}

// remove deletes the file while it is still locked. A file already gone is
// not an error.
func (f *lockedFile) remove() error {
	err := os.Remove(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("latch: lease file already removed", "path", f.path)
		return nil
	}
	return err
}

func (f *lockedFile) Close() error {
	_ = unlockFile(f.File)
	return f.File.Close()
}

// writeAtomic replaces path with b through a temporary file in the same
// directory, so readers see either the old or the new content.
func writeAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".latch-tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
