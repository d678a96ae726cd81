package install

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
)

// stagedFile is a temp file next to its destination. Nothing is visible at
// the destination until commit renames it into place.
type stagedFile struct {
	*os.File
	done bool
}

func stage(dir, base string) (*stagedFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(dir, "."+base+"-*")
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", base, err)
	}
	return &stagedFile{File: f}, nil
}

// commit syncs the staged data, applies mode and renames it to dst.
func (s *stagedFile) commit(dst string, mode os.FileMode) error {
	if err := s.Sync(); err != nil {
		return err
	}
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Chmod(s.Name(), mode); err != nil {
		return err
	}
	if err := os.Rename(s.Name(), dst); err != nil {
		return fmt.Errorf("rename into %s: %w", dst, err)
	}
	s.done = true
	return syncDir(filepath.Dir(dst))
}

// discard removes the temp file unless it was committed.
func (s *stagedFile) discard() {
	if s.done {
		return
	}
	_ = s.Close()
	_ = os.Remove(s.Name())
}

func syncDir(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	dir, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer func() { _ = dir.Close() }()
	if err := dir.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}
