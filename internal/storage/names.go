package storage

import (
	"errors"
	"path"
	"path/filepath"
	"strings"
)

var ErrUnsafeName = errors.New("unsafe file name")

// SafeName reduces a name received from a peer to a bare file name.
// Absolute paths and any ".." segment are rejected outright; otherwise
// directory components are dropped.
func SafeName(name string) (string, error) {
	clean := strings.TrimSpace(name)
	if clean == "" || strings.ContainsRune(clean, 0) {
		return "", ErrUnsafeName
	}
	slashed := strings.ReplaceAll(clean, "\\", "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" {
		return "", ErrUnsafeName
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", ErrUnsafeName
		}
	}
	base := path.Base(slashed)
	if base == "." || base == "/" || base == "" {
		return "", ErrUnsafeName
	}
	return base, nil
}

// SafeJoin places a sanitized name inside dir. Reserved names are
// refused so a received file cannot replace the peer's own files.
func SafeJoin(dir, name string) (string, error) {
	base, err := SafeName(name)
	if err != nil {
		return "", err
	}
	if Reserved(base) {
		return "", ErrUnsafeName
	}
	return filepath.Join(dir, base), nil
}
