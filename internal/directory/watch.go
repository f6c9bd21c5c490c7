package directory

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ankouros/pchannel/internal/wire"
)

const watcherWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// watcher is a websocket client following directory pushes.
type watcher struct {
	id   uuid.UUID
	name string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *watcher) send(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(watcherWriteTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, b)
}

type hub struct {
	mu       sync.Mutex
	watchers map[uuid.UUID]*watcher
}

func newHub() *hub {
	return &hub{watchers: make(map[uuid.UUID]*watcher)}
}

func (h *hub) add(w *watcher) {
	h.mu.Lock()
	h.watchers[w.id] = w
	h.mu.Unlock()
}

func (h *hub) remove(id uuid.UUID) {
	h.mu.Lock()
	delete(h.watchers, id)
	h.mu.Unlock()
}

func (h *hub) snapshot() []*watcher {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*watcher, 0, len(h.watchers))
	for _, w := range h.watchers {
		out = append(out, w)
	}
	return out
}

func (h *hub) broadcast(b []byte) {
	for _, w := range h.snapshot() {
		if err := w.send(b); err != nil {
			log.Printf("directory: watcher %s: %v", w.id, err)
			h.remove(w.id)
			_ = w.conn.Close()
		}
	}
}

func (h *hub) sendTo(name string, b []byte) bool {
	if name == "" {
		return false
	}
	sent := false
	for _, w := range h.snapshot() {
		if w.name != name {
			continue
		}
		if err := w.send(b); err != nil {
			log.Printf("directory: watcher %s: %v", w.id, err)
			continue
		}
		sent = true
	}
	return sent
}

// Handler serves /ws for watchers, /records and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/records", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Records())
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("directory: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	wt := &watcher{id: uuid.New(), name: r.URL.Query().Get("name"), conn: conn}
	s.hub.add(wt)
	defer s.hub.remove(wt.id)
	log.Printf("directory: watcher %s (%q) connected", wt.id, wt.name)

	recs, _ := s.snapshot()
	if err := wt.send(s.centralMessage(recs)); err != nil {
		return
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Printf("directory: watcher %s gone: %v", wt.id, err)
			return
		}
		m, err := wire.Unmarshal(msg)
		if err != nil {
			log.Printf("directory: watcher %s: %v", wt.id, err)
			continue
		}
		sig, ok := m.(*wire.WebRTCSignal)
		if !ok {
			log.Printf("directory: watcher %s sent %s, ignored", wt.id, m.Type())
			continue
		}
		if sig.SenderName == "" {
			sig.SenderName = wt.name
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.dialTimeout)
		if err := s.relay(ctx, sig); err != nil {
			log.Printf("directory: %v", err)
		}
		cancel()
	}
}
