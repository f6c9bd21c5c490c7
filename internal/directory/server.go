package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/ankouros/pchannel/internal/model"
	"github.com/ankouros/pchannel/internal/netx"
	"github.com/ankouros/pchannel/internal/wire"
)

const (
	// DefaultName is the sender name carried by directory pushes.
	DefaultName     = "HCMUT"
	DefaultPort     = 8000
	DefaultMaxConns = 64

	maxPayload = 64 << 10
)

type Options struct {
	Name        string
	DialTimeout time.Duration
	ReadTimeout time.Duration
	MaxConns    int
}

// Server keeps the directory of peers. Every inbound connection first
// triggers a push of the current list to all online peers and watchers,
// then its payload is applied.
type Server struct {
	name        string
	dialTimeout time.Duration
	readTimeout time.Duration
	maxConns    int

	mu      sync.Mutex
	records []model.DirectoryRecord
	hosts   map[model.PeerIdentity]string

	hub *hub
	wg  sync.WaitGroup
}

type pushTarget struct {
	id   model.PeerIdentity
	host string
}

func NewServer(opts Options) *Server {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultMaxConns
	}
	return &Server{
		name:        opts.Name,
		dialTimeout: opts.DialTimeout,
		readTimeout: opts.ReadTimeout,
		maxConns:    opts.MaxConns,
		hosts:       make(map[model.PeerIdentity]string),
		hub:         newHub(),
	}
}

// Update sets the status of (name, port), adding the record if needed.
// The last write wins.
func (s *Server) Update(name string, port int, status model.Status) {
	s.update(name, port, status, "")
}

func (s *Server) update(name string, port int, status model.Status, host string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := model.PeerIdentity{Name: name, Port: port}
	if host != "" {
		s.hosts[id] = host
	}
	for i := range s.records {
		if s.records[i].Name == name && s.records[i].Port == port {
			s.records[i].Status = status
			return
		}
	}
	s.records = append(s.records, model.DirectoryRecord{Name: name, Port: port, Status: status})
}

func (s *Server) Records() []model.DirectoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.DirectoryRecord(nil), s.records...)
}

func (s *Server) snapshot() ([]model.DirectoryRecord, []pushTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := append([]model.DirectoryRecord(nil), s.records...)
	var targets []pushTarget
	for _, r := range recs {
		if !r.Online() {
			continue
		}
		host := s.hosts[r.Identity()]
		if host == "" {
			host = "127.0.0.1"
		}
		targets = append(targets, pushTarget{id: r.Identity(), host: host})
	}
	return recs, targets
}

func (s *Server) centralMessage(recs []model.DirectoryRecord) []byte {
	b, err := wire.Encode(&wire.Central{Name: s.name, ListFriend: model.FormatDirectory(recs)})
	if err != nil {
		// Central has only string fields
		panic(err)
	}
	return b
}

// Serve accepts connections on ln until ctx is cancelled. At most
// MaxConns connections are handled at once.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ln = netutil.LimitListener(ln, s.maxConns)
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	log.Printf("directory: serving on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			log.Printf("directory: accept: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log.Printf("directory: connection from %s", conn.RemoteAddr())

	s.push(ctx)

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	payload, err := io.ReadAll(io.LimitReader(conn, maxPayload))
	if err != nil && len(payload) == 0 {
		log.Printf("directory: read from %s: %v", conn.RemoteAddr(), err)
		return
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return
	}
	if err := s.apply(ctx, payload, netx.RemoteHost(conn)); err != nil {
		log.Printf("directory: payload from %s: %v", conn.RemoteAddr(), err)
	}
}

func (s *Server) apply(ctx context.Context, payload []byte, host string) error {
	var probe struct {
		Type wire.Type `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	switch probe.Type {
	case "":
	case wire.TypeWebRTCSignal:
		m, err := wire.Unmarshal(payload)
		if err != nil {
			return err
		}
		return s.relay(ctx, m.(*wire.WebRTCSignal))
	default:
		return fmt.Errorf("unexpected message type %q", probe.Type)
	}

	var reg registration
	if err := json.Unmarshal(payload, &reg); err != nil {
		return fmt.Errorf("invalid registration: %w", err)
	}
	if err := (model.PeerIdentity{Name: reg.Name, Port: int(reg.Port)}).Validate(); err != nil {
		return fmt.Errorf("invalid registration: %w", err)
	}
	status := reg.Status
	switch status {
	case "":
		status = model.StatusOnline
	case model.StatusOnline, model.StatusOffline:
	default:
		return fmt.Errorf("invalid status %q", status)
	}

	s.update(reg.Name, int(reg.Port), status, host)
	log.Printf("directory: %s:%d is %s", reg.Name, int(reg.Port), status)
	return nil
}

// push sends the current list to every online peer and watcher.
func (s *Server) push(ctx context.Context) {
	recs, targets := s.snapshot()
	b := s.centralMessage(recs)
	log.Printf("directory: push %s", b)

	for _, t := range targets {
		if err := s.deliver(ctx, t.host, t.id.Port, b); err != nil {
			log.Printf("directory: failed to send to %s: %v", t.id, err)
			continue
		}
		log.Printf("directory: sent to %s", t.id)
	}
	s.hub.broadcast(b)
}

func (s *Server) deliver(ctx context.Context, host string, port int, b []byte) error {
	conn, err := netx.Dial(ctx, host, port, s.dialTimeout, s.dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(s.dialTimeout))
	_, err = conn.Write(b)
	return err
}

// relay forwards a signaling message to the online peer or watcher
// registered under its target name.
func (s *Server) relay(ctx context.Context, sig *wire.WebRTCSignal) error {
	b, err := wire.Encode(sig)
	if err != nil {
		return err
	}

	_, targets := s.snapshot()
	for _, t := range targets {
		if t.id.Name != sig.TargetName {
			continue
		}
		if err := s.deliver(ctx, t.host, t.id.Port, b); err != nil {
			return fmt.Errorf("relay to %s: %w", t.id, err)
		}
		log.Printf("directory: relayed signal %s -> %s", sig.SenderName, t.id)
		return nil
	}
	if s.hub.sendTo(sig.TargetName, b) {
		log.Printf("directory: relayed signal %s -> watcher %s", sig.SenderName, sig.TargetName)
		return nil
	}
	return fmt.Errorf("relay: no online target %q", sig.TargetName)
}
