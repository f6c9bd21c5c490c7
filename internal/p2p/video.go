package p2p

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ankouros/pchannel/internal/media"
	"github.com/ankouros/pchannel/internal/netx"
	"github.com/ankouros/pchannel/internal/wire"
)

type InboundState int

const (
	InboundIdle InboundState = iota
	InboundConnecting
	InboundReceiving
)

func (st InboundState) String() string {
	switch st {
	case InboundConnecting:
		return "connecting"
	case InboundReceiving:
		return "receiving"
	}
	return "idle"
}

type VideoStatus struct {
	Streaming    bool
	OutboundPort int
	Viewer       bool

	Inbound    InboundState
	LastSender string
	LastPort   int
}

type videoTarget struct {
	host   string
	port   int
	sender string
}

// videoManager owns both video directions: at most one outbound stream
// with one viewer, and at most one inbound stream.
type videoManager struct {
	s      *Service
	source media.Source
	sink   media.Sink
	work   chan videoTarget

	// renderMu orders Show against Clear on the sink.
	renderMu sync.Mutex

	mu sync.Mutex

	streaming bool
	outPort   int
	outLn     *net.TCPListener
	outCancel context.CancelFunc
	viewer    net.Conn

	inbound  InboundState
	last     videoTarget
	gen      uint64
	stopGen  uint64
	rxCancel context.CancelFunc
	rxConn   net.Conn
}

func newVideoManager(s *Service, source media.Source, sink media.Sink) *videoManager {
	return &videoManager{
		s:      s,
		source: source,
		sink:   sink,
		work:   make(chan videoTarget, 8),
	}
}

// StartVideo opens the outbound video port (control port plus the
// configured offset) and advertises it to every connected peer.
func (s *Service) StartVideo(ctx context.Context) error {
	return s.video.start(ctx)
}

// StopVideo ends the outbound stream and tells peers it stopped.
func (s *Service) StopVideo() {
	s.video.stop()
}

func (s *Service) VideoStatus() VideoStatus {
	return s.video.status()
}

// -----------------------------
// Outbound
// -----------------------------

func (v *videoManager) start(ctx context.Context) error {
	if v.source == nil {
		return fmt.Errorf("%w: no capture source", ErrResource)
	}

	v.mu.Lock()
	if v.streaming {
		port := v.outPort
		v.mu.Unlock()
		v.s.post(fmt.Sprintf("Video already streaming on port %d", port), TagVideo)
		return nil
	}
	port := v.s.id.Port + v.s.timing.VideoPortOffset
	ln, err := netx.Listen(ctx, v.s.host, port)
	if err != nil {
		v.mu.Unlock()
		return fmt.Errorf("%w: video listener %d: %w", ErrResource, port, err)
	}
	streamCtx, cancel := context.WithCancel(v.s.ctx)
	v.streaming = true
	v.outPort = port
	v.outLn = ln
	v.outCancel = cancel
	v.mu.Unlock()

	v.s.goTask(func() { v.serveViewers(streamCtx, ln) })

	n := v.s.announce(&wire.Video{Name: v.s.id.Name, Port: port})
	log.Printf("video: streaming on port %d, %d peer(s) notified", port, n)
	v.s.post(fmt.Sprintf("Video streaming on port %d", port), TagVideo)
	return nil
}

func (v *videoManager) advertiseTo(pc *peerConn) {
	v.mu.Lock()
	streaming, port := v.streaming, v.outPort
	v.mu.Unlock()
	if !streaming {
		return
	}
	if err := pc.send(&wire.Video{Name: v.s.id.Name, Port: port}, v.s.timing.SendTimeout); err != nil {
		log.Printf("video: advertise to %s: %v", pc.RemoteAddr(), err)
	}
}

func (v *videoManager) stop() bool {
	v.mu.Lock()
	if !v.streaming {
		v.mu.Unlock()
		return false
	}
	cancel, ln, viewer := v.outCancel, v.outLn, v.viewer
	v.streaming = false
	v.outPort = 0
	v.outCancel, v.outLn, v.viewer = nil, nil, nil
	v.mu.Unlock()

	// Peers learn about the stop before their stream socket closes.
	n := v.s.announce(&wire.VideoStop{Name: v.s.id.Name})

	cancel()
	_ = ln.Close()
	if viewer != nil {
		_ = viewer.Close()
	}
	log.Printf("video: stopped, %d peer(s) notified", n)
	v.s.post("Video stopped", TagVideo)
	return true
}

func (v *videoManager) serveViewers(ctx context.Context, ln *net.TCPListener) {
	defer ln.Close()
	for ctx.Err() == nil {
		conn, err := v.s.acceptOne(ctx, ln, v.s.timing.VideoAcceptTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, ErrTransient) {
				continue
			}
			log.Printf("video: accept: %v", err)
			return
		}

		if !v.setViewer(conn) {
			_ = conn.Close()
			return
		}
		log.Printf("video: viewer %s connected", conn.RemoteAddr())
		v.pump(ctx, conn)
		v.setViewer(nil)
		_ = conn.Close()
	}
}

func (v *videoManager) setViewer(conn net.Conn) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if conn != nil && !v.streaming {
		return false
	}
	v.viewer = conn
	return true
}

// pump sends one frame per FrameInterval until the viewer goes away.
func (v *videoManager) pump(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	ticker := time.NewTicker(v.s.timing.FrameInterval)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := v.source.NextFrame()
		if err != nil || len(frame) == 0 {
			if err != nil && !failing && !errors.Is(err, media.ErrNoFrame) {
				log.Printf("video: capture: %v", err)
			}
			failing = err != nil
			continue
		}
		failing = false
		if len(frame) > media.MaxFrameBytes {
			log.Printf("video: skipping %d-byte frame", len(frame))
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(v.s.timing.SendTimeout))
		if err := media.WriteFrame(conn, frame); err != nil {
			if ctx.Err() == nil {
				log.Printf("video: viewer %s dropped: %v", conn.RemoteAddr(), err)
			}
			return
		}
	}
}

// -----------------------------
// Inbound
// -----------------------------

func (v *videoManager) onAdvert(host string, port int, sender string) {
	t := videoTarget{host: host, port: port, sender: sender}
	v.mu.Lock()
	active := v.inbound != InboundIdle && v.last == t
	v.mu.Unlock()
	if active {
		log.Printf("video: already receiving from %s", sender)
		return
	}
	select {
	case v.work <- t:
	default:
		log.Printf("video: queue full, dropping advert from %s", sender)
		return
	}
	v.s.post(fmt.Sprintf("<%s> started a video stream", sender), TagVideo)
}

func (v *videoManager) onStop(sender string) {
	v.mu.Lock()
	if v.last.sender != sender {
		v.mu.Unlock()
		log.Printf("video: stop from %s ignored", sender)
		return
	}
	v.stopGen = v.gen
	v.inbound = InboundIdle
	cancel, conn := v.rxCancel, v.rxConn
	v.rxCancel, v.rxConn = nil, nil
	v.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	v.renderMu.Lock()
	v.sink.Clear()
	v.renderMu.Unlock()
	v.s.post(fmt.Sprintf("<%s> stopped the video stream", sender), TagVideo)
}

// connectLoop is the single inbound connector. It takes adverts off the
// work queue one at a time, so at most one inbound stream exists.
func (v *videoManager) connectLoop() {
	ctx := v.s.ctx
	var (
		target    videoTarget
		have      bool
		reconnect bool
	)
	for ctx.Err() == nil {
		if !have {
			select {
			case target = <-v.work:
				have, reconnect = true, false
			case <-time.After(v.s.timing.VideoQueuePoll):
				continue
			case <-ctx.Done():
				return
			}
		}

		rxCtx, gen, ok := v.beginInbound(target, reconnect)
		if !ok {
			have = false
			continue
		}

		conn, err := v.dialStream(rxCtx, target)
		if err != nil {
			v.endInbound(gen)
			if rxCtx.Err() == nil {
				log.Printf("video: %v", err)
				v.s.post(fmt.Sprintf("Could not connect to video from %s", target.sender), TagNotice)
			}
			have = false
			continue
		}
		if !v.setReceiving(gen, conn) {
			_ = conn.Close()
			have = false
			continue
		}
		log.Printf("video: receiving from %s on port %d", target.sender, target.port)

		err = v.receive(rxCtx, gen, conn)
		_ = conn.Close()
		if !v.endInbound(gen) || ctx.Err() != nil {
			have = false
			continue
		}

		log.Printf("video: stream from %s ended: %v", target.sender, err)
		select {
		case target = <-v.work:
			reconnect = false
		default:
			reconnect = true
		}
	}
}

func (v *videoManager) beginInbound(t videoTarget, reconnect bool) (context.Context, uint64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if reconnect && v.stopGen == v.gen {
		return nil, 0, false
	}
	ctx, cancel := context.WithCancel(v.s.ctx)
	v.gen++
	v.last = t
	v.inbound = InboundConnecting
	v.rxCancel = cancel
	v.rxConn = nil
	return ctx, v.gen, true
}

func (v *videoManager) setReceiving(gen uint64, conn net.Conn) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if gen != v.gen || v.stopGen == gen {
		return false
	}
	v.inbound = InboundReceiving
	v.rxConn = conn
	return true
}

// endInbound returns the state to Idle and reports whether the stream
// ended on its own rather than through video_stop.
func (v *videoManager) endInbound(gen uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if gen != v.gen {
		return false
	}
	stopped := v.stopGen == gen
	if v.rxCancel != nil {
		v.rxCancel()
	}
	v.inbound = InboundIdle
	v.rxCancel = nil
	v.rxConn = nil
	return !stopped
}

func (v *videoManager) dialStream(ctx context.Context, t videoTarget) (net.Conn, error) {
	attempts := v.s.timing.VideoDialAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, v.s.timing.VideoDialTimeout)
		conn, err := netx.Dial(dctx, t.host, t.port, v.s.timing.VideoDialTimeout, v.s.timing.SendTimeout)
		cancel()
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		log.Printf("video: dial %s:%d attempt %d/%d: %v", t.host, t.port, attempt, attempts, err)
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(v.s.timing.VideoRetryPause):
			}
		}
	}
	return nil, fmt.Errorf("%w: video from %s after %d attempts: %w", ErrTransient, t.sender, attempts, lastErr)
}

func (v *videoManager) receive(ctx context.Context, gen uint64, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	failing := false
	for {
		_ = conn.SetReadDeadline(time.Now().Add(v.s.timing.VideoDialTimeout))
		frame, err := media.ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(frame) == 0 {
			continue
		}
		shown, err := v.show(gen, frame)
		if !shown {
			return context.Canceled
		}
		if err != nil {
			if !failing {
				log.Printf("video: render: %v", err)
			}
			failing = true
			continue
		}
		failing = false
	}
}

// show hands frame to the sink unless gen has been stopped or replaced.
func (v *videoManager) show(gen uint64, frame []byte) (bool, error) {
	v.renderMu.Lock()
	defer v.renderMu.Unlock()

	v.mu.Lock()
	live := gen == v.gen && v.stopGen != gen
	v.mu.Unlock()
	if !live {
		return false, nil
	}
	return true, v.sink.Show(frame)
}

func (v *videoManager) status() VideoStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	return VideoStatus{
		Streaming:    v.streaming,
		OutboundPort: v.outPort,
		Viewer:       v.viewer != nil,
		Inbound:      v.inbound,
		LastSender:   v.last.sender,
		LastPort:     v.last.port,
	}
}

func (v *videoManager) shutdown() {
	v.stop()
}
