package p2p

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/ankouros/pchannel/internal/config"
	"github.com/ankouros/pchannel/internal/wire"
)

type dialFunc func(ctx context.Context, host string, port int) (net.Conn, error)

// Table holds the outbound control connections keyed by remote control
// port. Every map mutation happens under mu; dials for one port are
// single-flight.
type Table struct {
	mu      sync.Mutex
	entries map[int]*peerConn
	pending map[int]*dialCall

	dial        dialFunc
	hello       func(pc *peerConn) error
	onOpen      func(pc *peerConn)
	attempts    int
	backoff     time.Duration
	sendTimeout time.Duration
}

type dialCall struct {
	done chan struct{}
	pc   *peerConn
	err  error
}

func newTable(dial dialFunc, t config.Timing) *Table {
	attempts := t.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Table{
		entries:     make(map[int]*peerConn),
		pending:     make(map[int]*dialCall),
		dial:        dial,
		attempts:    attempts,
		backoff:     t.ConnectBackoff,
		sendTimeout: t.SendTimeout,
	}
}

// GetOrConnect returns the live connection for port, dialing it when it is
// missing or fails the liveness probe. Concurrent callers for one port
// share a single dial. created reports whether the connection is new.
func (t *Table) GetOrConnect(ctx context.Context, host string, port int) (pc *peerConn, created bool, err error) {
	t.mu.Lock()
	if existing := t.entries[port]; existing != nil {
		if err := existing.probe(t.sendTimeout); err == nil {
			existing.lastVerified = time.Now()
			t.mu.Unlock()
			return existing, false, nil
		}
		delete(t.entries, port)
		_ = existing.Close()
		log.Printf("p2p: dropped dead connection to %d", port)
	}
	if call := t.pending[port]; call != nil {
		t.mu.Unlock()
		select {
		case <-call.done:
			return call.pc, call.err == nil, call.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	call := &dialCall{done: make(chan struct{})}
	t.pending[port] = call
	t.mu.Unlock()

	pc, err = t.connect(ctx, host, port)

	t.mu.Lock()
	delete(t.pending, port)
	if err == nil {
		pc.lastVerified = time.Now()
		t.entries[port] = pc
	}
	t.mu.Unlock()

	call.pc, call.err = pc, err
	close(call.done)

	if err != nil {
		return nil, false, err
	}
	if t.onOpen != nil {
		t.onOpen(pc)
	}
	return pc, true, nil
}

func (t *Table) connect(ctx context.Context, host string, port int) (*peerConn, error) {
	var lastErr error
	for attempt := 1; attempt <= t.attempts; attempt++ {
		conn, err := t.dial(ctx, host, port)
		if err == nil {
			pc := newPeerConn(conn, port)
			if t.hello != nil {
				err = t.hello(pc)
			}
			if err == nil {
				return pc, nil
			}
			_ = conn.Close()
		}
		lastErr = err
		log.Printf("p2p: connect to %d attempt %d/%d: %v", port, attempt, t.attempts, err)

		if attempt == t.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(t.backoff):
		}
	}
	return nil, fmt.Errorf("%w: connect to port %d after %d attempts: %w", ErrTransient, port, t.attempts, lastErr)
}

// Get returns the entry for port without probing it.
func (t *Table) Get(port int) *peerConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[port]
}

// HealthCheck probes the entry for port and removes it when the probe
// fails.
func (t *Table) HealthCheck(port int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	pc := t.entries[port]
	if pc == nil {
		return false
	}
	if err := pc.probe(t.sendTimeout); err != nil {
		delete(t.entries, port)
		_ = pc.Close()
		return false
	}
	pc.lastVerified = time.Now()
	return true
}

// remove deletes the entry for port only if it is still pc.
func (t *Table) remove(port int, pc *peerConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[port] != pc {
		return false
	}
	delete(t.entries, port)
	return true
}

// Send writes m to the entry for port. A failed write removes the entry.
func (t *Table) Send(port int, m wire.Message) error {
	pc := t.Get(port)
	if pc == nil {
		return fmt.Errorf("%w: no connection to port %d", ErrTransient, port)
	}
	if err := pc.send(m, t.sendTimeout); err != nil {
		if t.remove(port, pc) {
			_ = pc.Close()
		}
		return fmt.Errorf("%w: %s to %d: %w", ErrTransient, m.Type(), port, err)
	}
	return nil
}

func (t *Table) RemoveAndClose(port int) {
	t.mu.Lock()
	pc := t.entries[port]
	delete(t.entries, port)
	t.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}
}

func (t *Table) CloseAll() {
	t.mu.Lock()
	conns := make([]*peerConn, 0, len(t.entries))
	for _, pc := range t.entries {
		conns = append(conns, pc)
	}
	t.entries = make(map[int]*peerConn)
	t.mu.Unlock()

	for _, pc := range conns {
		_ = pc.Close()
	}
}

func (t *Table) Ports() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	ports := make([]int, 0, len(t.entries))
	for port := range t.entries {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) snapshot() []*peerConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*peerConn, 0, len(t.entries))
	for _, pc := range t.entries {
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].port < out[j].port })
	return out
}

// Broadcast sends m to every entry. Entries that fail the probe or the
// write are removed and closed. It returns the number of peers reached.
func (t *Table) Broadcast(m wire.Message) int {
	b, err := wire.Encode(m)
	if err != nil {
		log.Printf("p2p: encode %s: %v", m.Type(), err)
		return 0
	}
	sent := 0
	for _, pc := range t.snapshot() {
		err := pc.probe(t.sendTimeout)
		if err == nil {
			err = pc.sendRaw(b, t.sendTimeout)
		}
		if err != nil {
			log.Printf("p2p: %s to %d failed: %v", m.Type(), pc.port, err)
			if t.remove(pc.port, pc) {
				_ = pc.Close()
			}
			continue
		}
		sent++
	}
	return sent
}
