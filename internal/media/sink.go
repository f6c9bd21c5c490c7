package media

import "sync"

// Counter is a Sink that keeps the last frame and simple counters.
type Counter struct {
	mu      sync.Mutex
	frames  int
	bytes   int64
	last    []byte
	clears  int
	showing bool
}

type CounterStats struct {
	Frames  int
	Bytes   int64
	Clears  int
	Showing bool
	Last    []byte
}

func (c *Counter) Show(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames++
	c.bytes += int64(len(frame))
	c.last = append(c.last[:0], frame...)
	c.showing = true
	return nil
}

func (c *Counter) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	c.last = nil
	c.showing = false
}

func (c *Counter) Stats() CounterStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CounterStats{
		Frames:  c.frames,
		Bytes:   c.bytes,
		Clears:  c.clears,
		Showing: c.showing,
		Last:    append([]byte(nil), c.last...),
	}
}

// Discard drops every frame.
type Discard struct{}

func (Discard) Show([]byte) error { return nil }
func (Discard) Clear()            {}
