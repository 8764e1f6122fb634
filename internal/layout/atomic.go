// internal/layout/atomic.go
package layout

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// WriteFileAtomic writes data to a unique temp file in path's
// directory, fsyncs it, and renames it into place. Readers never see a
// partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := filepath.Join(filepath.Dir(path), ".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// MoveIntoPlace renames src onto dst, copying dst's permissions from
// reference when reference exists.
func MoveIntoPlace(src, dst, reference string) error {
	if reference != "" {
		if info, err := os.Stat(reference); err == nil {
			os.Chmod(src, info.Mode().Perm())
		}
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("renaming %s into place: %w", filepath.Base(src), err)
	}
	return nil
}
