package ui

import (
	"bytes"
	"sync"
	"testing"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConsoleRendersInOrder(t *testing.T) {
	var out lockedBuffer
	c := NewConsole(&out, 8)
	c.Post("<alice> : hi", "")
	c.Post("connected to 9002", "connect")
	c.Close()

	want := "<alice> : hi\n[connect] connected to 9002\n"
	if got := out.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

type blockingWriter struct {
	release chan struct{}
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}

func TestConsolePostNeverBlocks(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	c := NewConsole(w, 2)

	for i := 0; i < 50; i++ {
		c.Post("line", "")
	}
	if c.Dropped() == 0 {
		t.Fatal("expected dropped lines while the writer is stuck")
	}
	close(w.release)
	c.Close()

	c.Post("after close", "")
}
