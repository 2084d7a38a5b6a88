package provider

import (
	"errors"
	"os"
	"path/filepath"
)

// CreateTemp opens a hidden temporary sibling of localPath, creating the
// parent directory when needed. Downloads write there and CommitTemp moves
// the file into place, so a failed transfer leaves nothing at localPath.
func CreateTemp(localPath string) (*os.File, error) {
	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.CreateTemp(dir, "."+filepath.Base(localPath)+".part-*")
}

// DiscardTemp closes and removes a file from CreateTemp.
func DiscardTemp(f *os.File) {
	_ = f.Close()
	_ = os.Remove(f.Name())
}

// CommitTemp closes f and renames it to localPath. The temporary file is
// removed on failure.
func CommitTemp(f *os.File, localPath string) error {
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return err
	}
	if err := os.Rename(f.Name(), localPath); err != nil {
		_ = os.Remove(f.Name())
		return err
	}
	return nil
}

// LocalError wraps a local filesystem failure. A missing file read for
// upload is ErrNotFound; everything else keeps fallback.
func LocalError(op string, typ Type, localPath string, err, fallback error) error {
	kind := fallback
	if errors.Is(err, os.ErrNotExist) && fallback == ErrRead {
		kind = ErrNotFound
	}
	return &ProviderError{Op: op, Provider: typ, Key: localPath, Err: kind, Cause: err}
}
