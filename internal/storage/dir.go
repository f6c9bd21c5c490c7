package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrFatalLocal marks failures of the private directory itself. A peer
// cannot run without it.
var ErrFatalLocal = errors.New("private storage unavailable")

func PrivateDir(baseDir, name string) string {
	return filepath.Join(baseDir, name)
}

// EnsurePrivateDir creates the per-peer directory and checks that it is
// writable.
func EnsurePrivateDir(baseDir, name string) (string, error) {
	if _, err := SafeName(name); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFatalLocal, err)
	}
	dir := PrivateDir(baseDir, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFatalLocal, err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFatalLocal, err)
	}
	probe.Close()
	_ = os.Remove(probe.Name())
	return dir, nil
}
