package storage

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// History is the append-only chat log of one peer.
type History struct {
	mu   sync.Mutex
	path string
}

func HistoryFileName(name string, port int) string {
	return fmt.Sprintf("history_%s_%d.txt", name, port)
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// oneLine keeps a stored entry on a single line.
func oneLine(s string) string {
	return lineBreaks.Replace(s)
}

func OpenHistory(dir, name string, port int) *History {
	return &History{path: filepath.Join(dir, HistoryFileName(name, port))}
}

func (h *History) Path() string { return h.path }

// Append records one line as "<sender> : message".
func (h *History) Append(sender, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "<%s> : %s\n", oneLine(sender), oneLine(message)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Lines returns every stored line in order. A missing file is an empty
// history.
func (h *History) Lines() ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

// LastLine returns the last non-empty stored line.
func (h *History) LastLine() (string, bool, error) {
	lines, err := h.Lines()
	if err != nil {
		return "", false, err
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line, true, nil
		}
	}
	return "", false, nil
}
