package p2p

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ankouros/pchannel/internal/config"
	"github.com/ankouros/pchannel/internal/model"
	"github.com/ankouros/pchannel/internal/netx"
)

func testTiming() config.Timing {
	t := config.DefaultTiming()
	t.AcceptPoll = 20 * time.Millisecond
	t.ReadPoll = 50 * time.Millisecond
	t.SendTimeout = time.Second
	t.DialTimeout = time.Second
	t.ConnectAttempts = 2
	t.ConnectBackoff = 20 * time.Millisecond
	t.BindAttempts = 1
	t.RegisterAttempts = 1
	t.FilePortTimeout = 2 * time.Second
	t.FileAcceptTimeout = 3 * time.Second
	t.VideoAcceptTimeout = time.Second
	t.VideoDialAttempts = 2
	t.VideoDialTimeout = 2 * time.Second
	t.VideoRetryPause = 50 * time.Millisecond
	t.VideoQueuePoll = 20 * time.Millisecond
	t.FrameInterval = 10 * time.Millisecond
	t.DrainTimeout = 2 * time.Second
	return t
}

type posted struct {
	text, tag string
}

// recorder is a Presenter that keeps every posted line.
type recorder struct {
	mu    sync.Mutex
	lines []posted
}

func (r *recorder) Post(text, tag string) {
	r.mu.Lock()
	r.lines = append(r.lines, posted{text: text, tag: tag})
	r.mu.Unlock()
}

func (r *recorder) find(substr string) (posted, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if strings.Contains(l.text, substr) {
			return l, true
		}
	}
	return posted{}, false
}

func (r *recorder) wait(t *testing.T, substr string) posted {
	t.Helper()
	var got posted
	waitFor(t, fmt.Sprintf("line %q", substr), func() bool {
		var ok bool
		got, ok = r.find(substr)
		return ok
	})
	return got
}

func (r *recorder) dump() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, l := range r.lines {
		fmt.Fprintf(&b, "[%s] %s\n", l.tag, l.text)
	}
	return b.String()
}

type memHistory struct {
	mu    sync.Mutex
	lines []string
}

func (h *memHistory) Append(sender, message string) error {
	h.mu.Lock()
	h.lines = append(h.lines, fmt.Sprintf("<%s> : %s", sender, message))
	h.mu.Unlock()
	return nil
}

func (h *memHistory) LastLine() (string, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.lines) == 0 {
		return "", false, nil
	}
	return h.lines[len(h.lines)-1], true, nil
}

func (h *memHistory) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lines...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := netx.Listen(context.Background(), "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := netx.Port(ln)
	ln.Close()
	return port
}

type testPeer struct {
	*Service
	rec     *recorder
	history *memHistory
}

func newPeer(t *testing.T, name string, mutate func(*Options)) *testPeer {
	t.Helper()
	hist := &memHistory{}
	rec := &recorder{}
	opts := Options{
		Identity:  model.PeerIdentity{Name: name, Port: freePort(t)},
		Host:      "127.0.0.1",
		DataDir:   t.TempDir(),
		Timing:    testTiming(),
		Presenter: rec,
		History:   hist,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewService(opts)
	if err != nil {
		t.Fatalf("new service %s: %v", name, err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	t.Cleanup(s.Close)
	return &testPeer{Service: s, rec: rec, history: hist}
}
