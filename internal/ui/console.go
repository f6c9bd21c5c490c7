// Package ui renders peer events on a terminal.
package ui

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

type line struct {
	at   time.Time
	text string
	tag  string
}

// Console is a presentation sink. Post never blocks the caller: lines are
// queued and written from the console's own goroutine, and dropped when
// the queue is full.
type Console struct {
	out     io.Writer
	queue   chan line
	done    chan struct{}
	dropped atomic.Int64
	stamps  bool

	mu     sync.RWMutex
	closed bool
}

func NewConsole(out io.Writer, size int) *Console {
	if size <= 0 {
		size = 256
	}
	c := &Console{
		out:   out,
		queue: make(chan line, size),
		done:  make(chan struct{}),
	}
	go c.run()
	return c
}

// WithTimestamps prefixes every rendered line with a wall-clock time.
func (c *Console) WithTimestamps() *Console {
	c.stamps = true
	return c
}

func (c *Console) Post(text, tag string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.queue <- line{at: time.Now(), text: text, tag: tag}:
	default:
		c.dropped.Add(1)
	}
}

// Dropped reports how many lines were discarded because the queue was full.
func (c *Console) Dropped() int64 {
	return c.dropped.Load()
}

// Close flushes queued lines and stops the writer goroutine.
func (c *Console) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.mu.Unlock()
	<-c.done
}

func (c *Console) run() {
	defer close(c.done)
	for l := range c.queue {
		_, _ = io.WriteString(c.out, c.render(l))
	}
}

func (c *Console) render(l line) string {
	prefix := ""
	if c.stamps {
		prefix = l.at.Format("15:04:05") + " "
	}
	if l.tag != "" {
		prefix += "[" + l.tag + "] "
	}
	return fmt.Sprintf("%s%s\n", prefix, l.text)
}
