package p2p

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ankouros/pchannel/internal/netx"
	"github.com/ankouros/pchannel/internal/wire"
)

// drainListener accepts connections and discards what they send.
func drainListener(t *testing.T) (int, func()) {
	t.Helper()
	ln, err := netx.Listen(context.Background(), "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			go io.Copy(io.Discard, c)
		}
	}()
	return netx.Port(ln), func() {
		ln.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
	}
}

func tcpDial(ctx context.Context, host string, port int) (net.Conn, error) {
	return netx.Dial(ctx, host, port, time.Second, time.Second)
}

func TestGetOrConnectIsSingleFlight(t *testing.T) {
	port, stop := drainListener(t)
	defer stop()

	var dials atomic.Int32
	table := newTable(func(ctx context.Context, host string, port int) (net.Conn, error) {
		dials.Add(1)
		time.Sleep(50 * time.Millisecond)
		return tcpDial(ctx, host, port)
	}, testTiming())
	defer table.CloseAll()

	const callers = 8
	conns := make([]*peerConn, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pc, _, err := table.GetOrConnect(context.Background(), "127.0.0.1", port)
			if err != nil {
				t.Errorf("connect: %v", err)
				return
			}
			conns[i] = pc
		}()
	}
	wg.Wait()

	if n := dials.Load(); n != 1 {
		t.Fatalf("dials=%d, want 1", n)
	}
	for i, pc := range conns {
		if pc != conns[0] {
			t.Fatalf("caller %d got a different connection", i)
		}
	}
	if table.Len() != 1 {
		t.Fatalf("entries=%d", table.Len())
	}

	pc, created, err := table.GetOrConnect(context.Background(), "127.0.0.1", port)
	if err != nil || created || pc != conns[0] {
		t.Fatalf("reuse: created=%v err=%v", created, err)
	}
}

func TestGetOrConnectRedialsDeadEntry(t *testing.T) {
	port, stop := drainListener(t)
	defer stop()

	table := newTable(tcpDial, testTiming())
	defer table.CloseAll()

	first, _, err := table.GetOrConnect(context.Background(), "127.0.0.1", port)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	first.Close()

	second, created, err := table.GetOrConnect(context.Background(), "127.0.0.1", port)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !created || second == first {
		t.Fatalf("expected a fresh connection")
	}
}

func TestConnectRetriesThenFailsTransient(t *testing.T) {
	var dials atomic.Int32
	refused := errors.New("refused")
	table := newTable(func(context.Context, string, int) (net.Conn, error) {
		dials.Add(1)
		return nil, refused
	}, testTiming())

	_, _, err := table.GetOrConnect(context.Background(), "127.0.0.1", 9)
	if !errors.Is(err, ErrTransient) || !errors.Is(err, refused) {
		t.Fatalf("err=%v", err)
	}
	if n := dials.Load(); n != int32(testTiming().ConnectAttempts) {
		t.Fatalf("dials=%d", n)
	}
	if table.Len() != 0 {
		t.Fatalf("failed dial left an entry")
	}
}

func TestBroadcastDropsDeadEntries(t *testing.T) {
	portA, stopA := drainListener(t)
	defer stopA()
	portB, stopB := drainListener(t)
	defer stopB()

	table := newTable(tcpDial, testTiming())
	defer table.CloseAll()

	for _, p := range []int{portA, portB} {
		if _, _, err := table.GetOrConnect(context.Background(), "127.0.0.1", p); err != nil {
			t.Fatalf("connect %d: %v", p, err)
		}
	}
	table.Get(portB).Close()

	if n := table.Broadcast(&wire.Chat{Name: "alice", Message: "hi"}); n != 1 {
		t.Fatalf("reached %d peers, want 1", n)
	}
	ports := table.Ports()
	if len(ports) != 1 || ports[0] != portA {
		t.Fatalf("ports=%v", ports)
	}
}

func TestHealthCheck(t *testing.T) {
	port, stop := drainListener(t)
	defer stop()

	table := newTable(tcpDial, testTiming())
	defer table.CloseAll()

	if table.HealthCheck(port) {
		t.Fatalf("health check on missing entry")
	}
	if _, _, err := table.GetOrConnect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !table.HealthCheck(port) {
		t.Fatalf("live entry failed health check")
	}
	table.Get(port).Close()
	if table.HealthCheck(port) {
		t.Fatalf("closed entry passed health check")
	}
	if table.Get(port) != nil {
		t.Fatalf("dead entry kept")
	}
}

func TestSendToMissingOrDeadEntry(t *testing.T) {
	port, stop := drainListener(t)
	defer stop()

	table := newTable(tcpDial, testTiming())
	defer table.CloseAll()

	msg := &wire.Connect{Name: "alice"}
	if err := table.Send(port, msg); !errors.Is(err, ErrTransient) {
		t.Fatalf("send to missing entry: %v", err)
	}
	if _, _, err := table.GetOrConnect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := table.Send(port, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	table.Get(port).Close()
	if err := table.Send(port, msg); !errors.Is(err, ErrTransient) {
		t.Fatalf("send to closed entry: %v", err)
	}
	if table.Len() != 0 {
		t.Fatalf("dead entry kept")
	}
}
