package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const stageDir = ".put-stage"

// LocalBackend keeps blobs as files of an afero filesystem.
type LocalBackend struct {
	fs afero.Fs
}

// NewLocalBackend stores blobs below dir on the OS filesystem.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return NewLocalBackendFs(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

func NewLocalBackendFs(fs afero.Fs) *LocalBackend {
	return &LocalBackend{fs: fs}
}

func (l *LocalBackend) String() string {
	if fs, ok := l.fs.(*afero.BasePathFs); ok {
		if p, err := fs.RealPath(""); err == nil {
			return "localfs@" + p
		}
	}
	return "localfs"
}

func (l *LocalBackend) Has(_ context.Context, name string) (bool, error) {
	fi, err := l.fs.Stat(name)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !fi.IsDir(), nil
}

func (l *LocalBackend) Open(_ context.Context, name string) (Object, error) {
	f, err := l.fs.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Object{}, fmt.Errorf("open %q: %w", name, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return Object{}, fmt.Errorf("stat %q: %w", name, err)
	}
	if fi.IsDir() {
		_ = f.Close()
		return Object{}, fmt.Errorf("%w: %s is a directory", ErrNotFound, name)
	}
	return Object{ReadSeekCloser: f, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Put writes into a staging file first and renames it into place, so readers
// never see a partial blob.
func (l *LocalBackend) Put(_ context.Context, name string, r io.Reader, _ int64) error {
	if err := l.fs.MkdirAll(stageDir, 0o700); err != nil {
		return fmt.Errorf("ensure stage dir: %w", err)
	}
	staged := path.Join(stageDir, uuid.NewString())
	target, err := l.fs.OpenFile(staged, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create stage file for %q: %w", name, err)
	}
	if _, err := io.Copy(target, r); err != nil {
		_ = target.Close()
		_ = l.fs.Remove(staged)
		return fmt.Errorf("write %q: %w", name, err)
	}
	if err := target.Close(); err != nil {
		_ = l.fs.Remove(staged)
		return fmt.Errorf("close %q: %w", name, err)
	}
	if dir := path.Dir(name); dir != "." {
		if err := l.fs.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("ensure dir for %q: %w", name, err)
		}
	}
	if err := l.fs.Rename(staged, name); err != nil {
		_ = l.fs.Remove(staged)
		return fmt.Errorf("commit %q: %w", name, err)
	}
	return nil
}

func (l *LocalBackend) Delete(_ context.Context, name string) error {
	if err := l.fs.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %q: %w", name, err)
	}
	return nil
}
