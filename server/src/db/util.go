package db

import (
	"os"
	"path/filepath"
)

// CreateDir ensures the directory holding path exists, creating it (and
// any missing parents) if not. Called once at startup before opening the
// key/value store, so a fresh DBPath doesn't fail bbolt.Open with ENOENT.
func CreateDir(path string) error {
	_, err := os.Stat(filepath.Dir(path))
	if os.IsNotExist(err) {
		return os.MkdirAll(filepath.Dir(path), os.ModePerm)
	}

	return err
}
