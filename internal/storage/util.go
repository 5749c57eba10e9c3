package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureParentDir creates the directory holding the database file at path.
// Usage data is private to the device, so the directory is not world
// readable.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create storage directory %s: %w", dir, err)
	}
	return nil
}
