// Package p2p runs one chat peer: the control listener, the outbound
// connection table, message dispatch, file transfer and video streaming.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ankouros/pchannel/internal/bot"
	"github.com/ankouros/pchannel/internal/config"
	"github.com/ankouros/pchannel/internal/directory"
	"github.com/ankouros/pchannel/internal/media"
	"github.com/ankouros/pchannel/internal/model"
	"github.com/ankouros/pchannel/internal/netx"
	"github.com/ankouros/pchannel/internal/storage"
	"github.com/ankouros/pchannel/internal/wire"
)

type Options struct {
	Identity model.PeerIdentity
	// Host is the address the control listener binds and the default
	// address dialed for peers.
	Host    string
	DataDir string
	// Central is host:port of the directory server; empty disables
	// registration.
	Central string
	Timing  config.Timing

	Presenter Presenter
	History   History
	Source    media.Source
	Sink      media.Sink
	Bot       bot.Responder
}

type Service struct {
	id     model.PeerIdentity
	host   string
	dir    string
	timing config.Timing

	presenter Presenter
	history   History
	bot       bot.Responder
	central   *directory.Client

	table *Table
	video *videoManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lnMu      sync.Mutex
	ln        *net.TCPListener
	started   bool
	closeOnce sync.Once

	dirMu     sync.Mutex
	directory string

	// accepted control connections, which are not in the table
	inMu     sync.Mutex
	accepted map[*peerConn]struct{}

	fileMu   sync.Mutex
	filename string
}

// NewService prepares a peer. It creates the private directory and fails
// with storage.ErrFatalLocal when that is impossible. Nothing is bound
// until Start.
func NewService(opts Options) (*Service, error) {
	if err := opts.Identity.Validate(); err != nil {
		return nil, err
	}
	if opts.Host == "" {
		opts.Host = config.DefaultHost
	}
	if opts.DataDir == "" {
		opts.DataDir = config.DefaultDataDir
	}
	if opts.Timing == (config.Timing{}) {
		opts.Timing = config.DefaultTiming()
	}

	dir, err := storage.EnsurePrivateDir(opts.DataDir, opts.Identity.Name)
	if err != nil {
		return nil, err
	}

	s := &Service{
		id:        opts.Identity,
		host:      opts.Host,
		dir:       dir,
		timing:    opts.Timing,
		presenter: opts.Presenter,
		history:   opts.History,
		bot:       opts.Bot,
		accepted:  make(map[*peerConn]struct{}),
	}
	if s.presenter == nil {
		s.presenter = discardPresenter{}
	}
	if s.history == nil {
		s.history = storage.OpenHistory(dir, s.id.Name, s.id.Port)
	}
	if s.bot == nil {
		s.bot = bot.Unavailable{Reason: "not configured"}
	}
	if opts.Central != "" {
		s.central = &directory.Client{
			Addr:        opts.Central,
			DialTimeout: s.timing.DialTimeout,
			Attempts:    s.timing.RegisterAttempts,
			Backoff:     s.timing.RegisterBackoff,
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.table = newTable(s.dial, s.timing)
	s.table.hello = s.hello
	s.table.onOpen = s.onOpen

	sink := opts.Sink
	if sink == nil {
		sink = media.Discard{}
	}
	s.video = newVideoManager(s, opts.Source, sink)

	return s, nil
}

func (s *Service) Identity() model.PeerIdentity { return s.id }

// Dir is the peer's private directory.
func (s *Service) Dir() string { return s.dir }

// Addr is the bound control address, nil before Start.
func (s *Service) Addr() net.Addr {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start binds the control port, starts accepting and registers with the
// directory server in the background. Cancelling ctx shuts the peer down
// like Close, without the drain.
func (s *Service) Start(ctx context.Context) error {
	ln, err := s.bind()
	if err != nil {
		return err
	}

	s.lnMu.Lock()
	s.ln = ln
	s.started = true
	s.lnMu.Unlock()

	context.AfterFunc(ctx, s.cancel)
	context.AfterFunc(s.ctx, func() { _ = ln.Close() })

	s.goTask(s.acceptLoop)
	s.goTask(s.video.connectLoop)
	if s.central != nil {
		s.goTask(s.register)
	}

	log.Printf("p2p: %s listening on %s", s.id, ln.Addr())
	return nil
}

func (s *Service) bind() (*net.TCPListener, error) {
	attempts := s.timing.BindAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ln, err := netx.Listen(s.ctx, s.host, s.id.Port)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		log.Printf("p2p: bind %s:%d attempt %d/%d: %v", s.host, s.id.Port, attempt, attempts, err)
		if attempt < attempts {
			select {
			case <-s.ctx.Done():
				return nil, s.ctx.Err()
			case <-time.After(s.timing.BindBackoff):
			}
		}
	}
	return nil, fmt.Errorf("%w: bind %s:%d: %w", ErrResource, s.host, s.id.Port, lastErr)
}

func (s *Service) register() {
	if err := s.central.Register(s.ctx, s.id); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		log.Printf("p2p: directory registration failed: %v", err)
		s.post("Could not register with the directory server", TagNotice)
		return
	}
	log.Printf("p2p: registered %s with %s", s.id, s.central.Addr)
}

// Close stops streaming, closes every socket, tells the directory server
// the peer is offline and waits a bounded time for running tasks.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.video.shutdown()
		s.cancel()
		s.table.CloseAll()

		s.lnMu.Lock()
		started := s.started
		s.lnMu.Unlock()
		if started && s.central != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.timing.DialTimeout)
			if err := s.central.Unregister(ctx, s.id); err != nil {
				log.Printf("p2p: directory offline notice failed: %v", err)
			}
			cancel()
		}

		s.drain()
	})
}

func (s *Service) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.timing.DrainTimeout):
		log.Printf("p2p: shutdown: tasks still running after %v", s.timing.DrainTimeout)
	}
}

func (s *Service) goTask(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Service) post(text, tag string) {
	s.presenter.Post(text, tag)
}

func (s *Service) dial(ctx context.Context, host string, port int) (net.Conn, error) {
	return netx.Dial(ctx, host, port, s.timing.DialTimeout, s.timing.SendTimeout)
}

func (s *Service) hello(pc *peerConn) error {
	if err := pc.send(&wire.Connect{Name: s.id.Name}, s.timing.SendTimeout); err != nil {
		return err
	}
	return pc.send(&wire.Fetch{Name: s.id.Name}, s.timing.SendTimeout)
}

func (s *Service) onOpen(pc *peerConn) {
	s.goTask(func() {
		s.serveConn(pc, func() {
			if s.table.remove(pc.port, pc) {
				log.Printf("p2p: connection to %d closed", pc.port)
			}
		})
	})
	s.video.advertiseTo(pc)
}

// -----------------------------
// Inbound
// -----------------------------

func (s *Service) acceptLoop() {
	s.lnMu.Lock()
	ln := s.ln
	s.lnMu.Unlock()

	for {
		if s.ctx.Err() != nil {
			return
		}
		_ = ln.SetDeadline(time.Now().Add(s.timing.AcceptPoll))
		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("p2p: accept: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if err := netx.Tune(conn, s.timing.SendTimeout); err != nil {
			log.Printf("p2p: tune %s: %v", conn.RemoteAddr(), err)
		}
		pc := newPeerConn(conn, 0)
		log.Printf("p2p: accepted %s", conn.RemoteAddr())
		s.trackAccepted(pc, true)
		s.goTask(func() { s.serveConn(pc, func() { s.trackAccepted(pc, false) }) })
		s.video.advertiseTo(pc)
	}
}

func (s *Service) trackAccepted(pc *peerConn, open bool) {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	if open {
		s.accepted[pc] = struct{}{}
	} else {
		delete(s.accepted, pc)
	}
}

// announce sends m on every control connection, dialed or accepted, and
// returns how many writes succeeded. Failed accepted connections are
// closed; their read loop then forgets them.
func (s *Service) announce(m wire.Message) int {
	n := s.table.Broadcast(m)

	s.inMu.Lock()
	conns := make([]*peerConn, 0, len(s.accepted))
	for pc := range s.accepted {
		conns = append(conns, pc)
	}
	s.inMu.Unlock()

	for _, pc := range conns {
		if err := pc.send(m, s.timing.SendTimeout); err != nil {
			log.Printf("p2p: %s to %s failed: %v", m.Type(), pc.RemoteAddr(), err)
			_ = pc.Close()
			continue
		}
		n++
	}
	return n
}

// serveConn reads one control connection until it closes or the service
// stops, dispatching messages in arrival order.
func (s *Service) serveConn(pc *peerConn, onClose func()) {
	defer func() {
		_ = pc.Close()
		if onClose != nil {
			onClose()
		}
	}()
	stop := context.AfterFunc(s.ctx, func() { _ = pc.Close() })
	defer stop()

	dec := wire.NewDecoder()
	buf := make([]byte, 4096)
	for s.ctx.Err() == nil {
		_ = pc.SetReadDeadline(time.Now().Add(s.timing.ReadPoll))
		n, err := pc.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			s.drainDecoder(pc, dec)
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if s.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Printf("p2p: connection %s closed: %v", pc.RemoteAddr(), err)
			}
			return
		}
	}
}

func (s *Service) drainDecoder(pc *peerConn, dec *wire.Decoder) {
	for {
		m, err := dec.Next()
		if err != nil {
			log.Printf("p2p: from %s: %v", pc.RemoteAddr(), err)
			continue
		}
		if m == nil {
			return
		}
		s.dispatch(pc, m)
	}
}

// -----------------------------
// Outbound API
// -----------------------------

// Connect opens (or re-announces on) a control connection to a peer on
// the service host.
func (s *Service) Connect(ctx context.Context, port int) error {
	return s.ConnectAddr(ctx, s.host, port)
}

func (s *Service) ConnectAddr(ctx context.Context, host string, port int) error {
	if port == s.id.Port && host == s.host {
		return fmt.Errorf("refusing to connect to own port %d", port)
	}
	pc, created, err := s.table.GetOrConnect(ctx, host, port)
	if err != nil {
		s.post(fmt.Sprintf("Failed to connect to peer at port %d after %d attempts", port, s.table.attempts), TagNotice)
		return err
	}
	if !created {
		if err := s.table.Send(pc.port, &wire.Connect{Name: s.id.Name}); err != nil {
			s.post(fmt.Sprintf("Connection to port %d closed", port), TagNotice)
			return err
		}
	}
	s.post(fmt.Sprintf("Connected to peer at port %d", port), TagConnect)
	return nil
}

// SendChat posts, stores and broadcasts one chat line. The line
// "showfriends" prints the online directory instead.
func (s *Service) SendChat(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if strings.EqualFold(strings.TrimSpace(text), "showfriends") {
		s.showFriends()
		return nil
	}

	s.post(fmt.Sprintf("<%s> : %s", s.id.Name, text), TagChat)
	if err := s.history.Append(s.id.Name, text); err != nil {
		log.Printf("p2p: history append: %v", err)
	}
	n := s.table.Broadcast(&wire.Chat{Name: s.id.Name, Message: text})
	log.Printf("p2p: chat sent to %d peer(s)", n)

	if bot.Triggered(text) {
		s.goTask(func() { s.askBot(ctx, text) })
	}
	return nil
}

func (s *Service) askBot(ctx context.Context, text string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	reply, err := s.bot.Respond(ctx, text)
	if err != nil {
		log.Printf("bot: %v", err)
		if errors.Is(err, bot.ErrUnavailable) {
			s.post("Bot unavailable", TagNotice)
		} else {
			s.post(fmt.Sprintf("Bot error: %v", err), TagNotice)
		}
		return
	}
	s.post(fmt.Sprintf("<Bot> : %s", reply), TagChat)
	if err := s.history.Append("Bot", reply); err != nil {
		log.Printf("p2p: history append: %v", err)
	}
}

func (s *Service) showFriends() {
	s.post("From Server: Online user list:", TagServer)
	for _, r := range model.OnlineOnly(s.Friends()) {
		s.post(fmt.Sprintf("\t%s : %d", r.Name, r.Port), TagServer)
	}
}

// Directory returns the last directory list pushed by the server.
func (s *Service) Directory() string {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	return s.directory
}

func (s *Service) Friends() []model.DirectoryRecord {
	return model.ParseDirectory(s.Directory())
}

func (s *Service) setDirectory(list string) {
	s.dirMu.Lock()
	s.directory = list
	s.dirMu.Unlock()
}

// Peers lists the control ports of the outbound connection table.
func (s *Service) Peers() []int {
	return s.table.Ports()
}

func (s *Service) Relay(ctx context.Context, target string, data []byte) error {
	if s.central == nil {
		return errors.New("no directory server configured")
	}
	return s.central.Relay(ctx, &wire.WebRTCSignal{
		SenderName: s.id.Name,
		TargetName: target,
		Data:       data,
	})
}
