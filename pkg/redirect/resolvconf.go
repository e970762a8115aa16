package redirect

import (
	"fmt"
	"os"
	"path/filepath"
)

// safeResolvConf is the resolver written while redirection is active. DNS
// leaves through the redirect rules anyway; the public resolver is only a
// fallback for excluded ranges.
const safeResolvConf = "nameserver 127.0.0.1\nnameserver 1.1.1.1\n"

// replaceResolvConf swaps path for the safe resolver atomically
// (write-then-rename) and returns the previous contents for the snapshot.
func replaceResolvConf(path string) ([]byte, error) {
	prev, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := writeFileAtomic(path, []byte(safeResolvConf)); err != nil {
		return nil, err
	}
	return prev, nil
}

// restoreResolvConf puts the snapshot contents back, also atomically.
func restoreResolvConf(path string, snapshot []byte) error {
	if snapshot == nil {
		return nil
	}
	return writeFileAtomic(path, snapshot)
}

// writeFileAtomic writes via a temp file in the same directory and renames
// it into place, so concurrent readers always see a complete file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".resolv-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename into %s: %w", path, err)
	}
	return nil
}
