package p2p

import (
	"net"
	"sync"
	"time"

	"github.com/ankouros/pchannel/internal/netx"
	"github.com/ankouros/pchannel/internal/wire"
)

// peerConn is one control connection. Dialed connections carry the remote
// control port; accepted ones have port 0.
type peerConn struct {
	net.Conn
	host string
	port int

	wmu sync.Mutex

	// guarded by Table.mu
	lastVerified time.Time

	// fileMu serializes file offers on this connection; filePorts carries
	// the matching file_port replies.
	fileMu    sync.Mutex
	filePorts chan int
}

func newPeerConn(c net.Conn, port int) *peerConn {
	return &peerConn{
		Conn:      c,
		host:      netx.RemoteHost(c),
		port:      port,
		filePorts: make(chan int, 1),
	}
}

func (pc *peerConn) send(m wire.Message, timeout time.Duration) error {
	b, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return pc.sendRaw(b, timeout)
}

func (pc *peerConn) sendRaw(b []byte, timeout time.Duration) error {
	pc.wmu.Lock()
	defer pc.wmu.Unlock()

	if timeout > 0 {
		_ = pc.SetWriteDeadline(time.Now().Add(timeout))
		defer pc.SetWriteDeadline(time.Time{})
	}
	_, err := pc.Write(b)
	return err
}

// probe is the liveness check: a zero-length write fails on a socket that
// was closed locally or reset by the peer.
func (pc *peerConn) probe(timeout time.Duration) error {
	return pc.sendRaw(nil, timeout)
}

func (pc *peerConn) deliverFilePort(port int) bool {
	select {
	case pc.filePorts <- port:
		return true
	default:
		return false
	}
}

func (pc *peerConn) resetFilePorts() {
	for {
		select {
		case <-pc.filePorts:
		default:
			return
		}
	}
}
