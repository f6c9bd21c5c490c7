package storage

import (
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

type FileEntry struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"modTime"`
	Digest  string `json:"digest,omitempty"`
}

// NewDigest returns the hash used to fingerprint transferred files.
func NewDigest() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// only fails for oversized keys
		panic(err)
	}
	return h
}

func DigestString(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := NewDigest()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return DigestString(h), nil
}

// ListInbox lists the received files in dir, skipping the peer's own
// bookkeeping files.
func ListInbox(dir string) ([]FileEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || Reserved(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		digest, err := hashFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		out = append(out, FileEntry{
			Name:    name,
			Size:    info.Size(),
			ModTime: info.ModTime().Unix(),
			Digest:  digest,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Reserved reports whether name belongs to the peer's own bookkeeping:
// dotfiles (including in-flight transfers), history logs and the stored
// config. Received files may never take these names.
func Reserved(name string) bool {
	switch {
	case strings.HasPrefix(name, "."):
		return true
	case strings.HasPrefix(name, "history_") && strings.HasSuffix(name, ".txt"):
		return true
	case strings.EqualFold(name, "user_config.json"):
		return true
	}
	return false
}
