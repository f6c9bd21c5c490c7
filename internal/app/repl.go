package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/ankouros/pchannel/internal/media"
	"github.com/ankouros/pchannel/internal/p2p"
	"github.com/ankouros/pchannel/internal/storage"
)

var helpLines = []string{
	"connect <port>|<host:port>  open a channel to a peer",
	"file <path>                 send a file to every connected peer",
	"video start|stop            start or stop streaming; no argument shows status",
	"signal <name> <json>        relay a signaling payload through the directory",
	"friends                     show online peers from the directory",
	"peers                       show open channels",
	"files                       list received files",
	"quit                        leave",
	"anything else is sent as a chat message",
}

type repl struct {
	svc  *p2p.Service
	out  p2p.Presenter
	sink *media.Counter

	wg sync.WaitGroup
}

// run reads commands from in until quit, EOF or ctx is done.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	defer r.wg.Wait()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if !r.handle(ctx, line) {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether to keep going.
func (r *repl) handle(ctx context.Context, line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}
	cmd, arg, _ := strings.Cut(trimmed, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "quit", "exit":
		return false
	case "help":
		for _, l := range helpLines {
			r.out.Post(l, p2p.TagNotice)
		}
	case "connect":
		r.connect(ctx, arg)
	case "file":
		if arg == "" {
			r.out.Post("usage: file <path>", p2p.TagNotice)
			return true
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.svc.SendFile(ctx, arg); err != nil {
				log.Printf("app: file %s: %v", arg, err)
			}
		}()
	case "video":
		r.video(ctx, arg)
	case "signal":
		r.signal(ctx, arg)
	case "friends":
		_ = r.svc.SendChat(ctx, "showfriends")
	case "peers":
		r.peers()
	case "files":
		r.files()
	default:
		if err := r.svc.SendChat(ctx, line); err != nil {
			log.Printf("app: chat: %v", err)
		}
	}
	return true
}

func (r *repl) connect(ctx context.Context, arg string) {
	host, portStr := "", arg
	if h, p, err := net.SplitHostPort(arg); err == nil {
		host, portStr = h, p
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		r.out.Post("usage: connect <port>|<host:port>", p2p.TagNotice)
		return
	}
	if host == "" {
		err = r.svc.Connect(ctx, port)
	} else {
		err = r.svc.ConnectAddr(ctx, host, port)
	}
	if err != nil {
		log.Printf("app: connect %s: %v", arg, err)
	}
}

func (r *repl) video(ctx context.Context, arg string) {
	switch arg {
	case "start":
		if err := r.svc.StartVideo(ctx); err != nil {
			r.out.Post(fmt.Sprintf("Could not start video: %v", err), p2p.TagNotice)
		}
	case "stop":
		r.svc.StopVideo()
	case "":
		st := r.svc.VideoStatus()
		out := "off"
		if st.Streaming {
			out = fmt.Sprintf("streaming on port %d", st.OutboundPort)
			if st.Viewer {
				out += " (viewer connected)"
			}
		}
		r.out.Post("Outbound video: "+out, p2p.TagVideo)
		in := st.Inbound.String()
		if st.LastSender != "" {
			in = fmt.Sprintf("%s (last from %s on port %d)", in, st.LastSender, st.LastPort)
		}
		r.out.Post("Inbound video: "+in, p2p.TagVideo)
		if r.sink != nil {
			s := r.sink.Stats()
			r.out.Post(fmt.Sprintf("Frames shown: %d (%d bytes)", s.Frames, s.Bytes), p2p.TagVideo)
		}
	default:
		r.out.Post("usage: video start|stop", p2p.TagNotice)
	}
}

func (r *repl) signal(ctx context.Context, arg string) {
	target, data, _ := strings.Cut(arg, " ")
	data = strings.TrimSpace(data)
	if target == "" || !json.Valid([]byte(data)) {
		r.out.Post("usage: signal <name> <json>", p2p.TagNotice)
		return
	}
	if err := r.svc.Relay(ctx, target, []byte(data)); err != nil {
		r.out.Post(fmt.Sprintf("Signal to %s failed: %v", target, err), p2p.TagNotice)
		return
	}
	r.out.Post(fmt.Sprintf("Signal sent to %s", target), p2p.TagSignal)
}

func (r *repl) peers() {
	ports := r.svc.Peers()
	if len(ports) == 0 {
		r.out.Post("No open channels", p2p.TagNotice)
		return
	}
	for _, p := range ports {
		r.out.Post(fmt.Sprintf("\tport %d", p), p2p.TagNotice)
	}
}

func (r *repl) files() {
	entries, err := storage.ListInbox(r.svc.Dir())
	if err != nil {
		r.out.Post(fmt.Sprintf("Could not list files: %v", err), p2p.TagNotice)
		return
	}
	if len(entries) == 0 {
		r.out.Post("No received files", p2p.TagFile)
		return
	}
	for _, e := range entries {
		digest := e.Digest
		if len(digest) > 16 {
			digest = digest[:16]
		}
		r.out.Post(fmt.Sprintf("\t%s  %d bytes  %s", e.Name, e.Size, digest), p2p.TagFile)
	}
}
