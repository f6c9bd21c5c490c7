package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ankouros/pchannel/internal/netx"
	"github.com/ankouros/pchannel/internal/storage"
	"github.com/ankouros/pchannel/internal/wire"
)

const fileChunkSize = 4096

var ackToken = []byte("ACK")

type incomingFile struct {
	id     uuid.UUID
	sender string
	name   string
	ln     *net.TCPListener
}

// -----------------------------
// Sender
// -----------------------------

// SendFile offers the file at path to every connected peer and streams it
// to each one that answers. Peers are served concurrently; one failing
// peer does not affect the others.
func (s *Service) SendFile(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		err = fmt.Errorf("%s is a directory", path)
	}
	if err != nil {
		s.post(fmt.Sprintf("File %s does not exist", path), TagNotice)
		return fmt.Errorf("%w: %w", ErrResource, err)
	}

	filename := filepath.Base(path)
	s.post(fmt.Sprintf("<You> : Sending %s to your friend", filename), TagFile)

	peers := s.table.snapshot()
	if len(peers) == 0 {
		s.post("No connected peers to send to", TagNotice)
		return nil
	}

	errs := make([]error, len(peers))
	var wg sync.WaitGroup
	for i, pc := range peers {
		wg.Add(1)
		s.goTask(func() {
			defer wg.Done()
			errs[i] = s.sendFileTo(ctx, pc, path, filename)
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Service) sendFileTo(ctx context.Context, pc *peerConn, path, filename string) error {
	pc.fileMu.Lock()
	defer pc.fileMu.Unlock()
	pc.resetFilePorts()

	if err := pc.send(&wire.File{Name: s.id.Name, Filename: filename}, s.timing.SendTimeout); err != nil {
		if s.table.remove(pc.port, pc) {
			_ = pc.Close()
		}
		s.post(fmt.Sprintf("Connection to port %d closed", pc.port), TagNotice)
		return fmt.Errorf("%w: offer to %d: %w", ErrTransient, pc.port, err)
	}

	timer := time.NewTimer(s.timing.FilePortTimeout)
	defer timer.Stop()

	var port int
	select {
	case port = <-pc.filePorts:
	case <-timer.C:
		s.post(fmt.Sprintf("Peer at port %d did not respond to file transfer", pc.port), TagNotice)
		return fmt.Errorf("%w: no file_port from %d within %v", ErrTransient, pc.port, s.timing.FilePortTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return s.ctx.Err()
	}

	n, digest, err := s.streamFile(ctx, pc.host, port, path)
	if err != nil {
		log.Printf("file: send %s to %d: %v", filename, pc.port, err)
		s.post(fmt.Sprintf("Sending %s to port %d failed", filename, pc.port), TagNotice)
		return err
	}
	log.Printf("file: sent %s to %d (%d bytes, blake2b %s)", filename, pc.port, n, digest)
	s.post(fmt.Sprintf("Sent %s to peer at port %d", filename, pc.port), TagFile)
	return nil
}

func (s *Service) streamFile(ctx context.Context, host string, port int, path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrResource, err)
	}
	defer f.Close()

	conn, err := netx.Dial(ctx, host, port, s.timing.DialTimeout, s.timing.SendTimeout)
	if err != nil {
		return 0, "", fmt.Errorf("%w: dial side channel %d: %w", ErrTransient, port, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(s.timing.SendTimeout))
	hs := make([]byte, len(ackToken))
	if _, err := io.ReadAtLeast(conn, hs, 1); err != nil {
		return 0, "", fmt.Errorf("%w: handshake: %w", ErrTransient, err)
	}

	h := storage.NewDigest()
	buf := make([]byte, fileChunkSize)
	var total int64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			_ = conn.SetWriteDeadline(time.Now().Add(s.timing.SendTimeout))
			if _, err := conn.Write(buf[:n]); err != nil {
				return total, "", fmt.Errorf("%w: write: %w", ErrTransient, err)
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return total, "", fmt.Errorf("%w: read %s: %w", ErrResource, path, rerr)
		}
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.CloseWrite(); err != nil {
			return total, "", fmt.Errorf("%w: half-close: %w", ErrTransient, err)
		}
	}

	// The receiver closes once it has everything; this also consumes the
	// rest of its handshake token.
	_ = conn.SetReadDeadline(time.Now().Add(s.timing.FileAcceptTimeout))
	if _, err := io.Copy(io.Discard, conn); err != nil {
		return total, "", fmt.Errorf("%w: waiting for receiver: %w", ErrTransient, err)
	}
	return total, storage.DigestString(h), nil
}

// -----------------------------
// Receiver
// -----------------------------

func (s *Service) acceptFile(pc *peerConn, msg *wire.File) {
	name, err := storage.SafeName(msg.Filename)
	if err == nil && storage.Reserved(name) {
		err = storage.ErrUnsafeName
	}
	if err != nil {
		log.Printf("file: rejected %q from %s: %v", msg.Filename, msg.Name, err)
		s.post(fmt.Sprintf("Rejected file %q from %s: unsafe name", msg.Filename, msg.Name), TagNotice)
		return
	}

	ln, port, err := s.openEphemeral()
	if err != nil {
		log.Printf("file: %v", err)
		s.post(fmt.Sprintf("Could not open a file channel for %s", name), TagNotice)
		return
	}

	in := &incomingFile{id: uuid.New(), sender: msg.Name, name: name, ln: ln}
	s.setFilename(name)

	if err := pc.send(&wire.FilePort{Port: port}, s.timing.SendTimeout); err != nil {
		log.Printf("file: %s file_port to %s: %v", in.id, msg.Name, err)
		_ = ln.Close()
		s.clearFilename(name)
		return
	}
	log.Printf("file: %s queued %s from %s on port %d", in.id, name, msg.Name, port)
	s.goTask(func() { s.receiveFile(in) })
}

func (s *Service) receiveFile(in *incomingFile) {
	defer s.clearFilename(in.name)
	s.post(fmt.Sprintf("<%s> : Sent you %s", in.sender, in.name), TagFile)

	conn, err := s.acceptOne(s.ctx, in.ln, s.timing.FileAcceptTimeout)
	_ = in.ln.Close()
	if err != nil {
		log.Printf("file: %s accept: %v", in.id, err)
		s.post(fmt.Sprintf("File %s from %s was not delivered", in.name, in.sender), TagNotice)
		return
	}

	n, digest, err := s.readFile(conn, in)
	_ = conn.Close()
	if err != nil {
		log.Printf("file: %s receive %s: %v", in.id, in.name, err)
		s.post(fmt.Sprintf("Receiving %s from %s failed", in.name, in.sender), TagNotice)
		return
	}
	log.Printf("file: %s received %s (%d bytes, blake2b %s)", in.id, in.name, n, digest)
	s.post(fmt.Sprintf("Received %s from %s (%d bytes)", in.name, in.sender, n), TagFile)
}

func (s *Service) readFile(conn net.Conn, in *incomingFile) (int64, string, error) {
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetWriteDeadline(time.Now().Add(s.timing.SendTimeout))
	if _, err := conn.Write(ackToken); err != nil {
		return 0, "", fmt.Errorf("%w: handshake: %w", ErrTransient, err)
	}

	dest, err := storage.SafeJoin(s.dir, in.name)
	if err != nil {
		return 0, "", err
	}
	// Bytes land in a dotfile that is renamed into place once complete.
	f, err := os.CreateTemp(s.dir, ".recv-*")
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrResource, err)
	}
	tmp := f.Name()

	h := storage.NewDigest()
	w := io.MultiWriter(f, h)
	buf := make([]byte, fileChunkSize)
	var total int64
	lastData := time.Now()

	fail := func(err error) (int64, string, error) {
		f.Close()
		_ = os.Remove(tmp)
		return total, "", err
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.timing.ReadPoll))
		n, rerr := conn.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fail(fmt.Errorf("%w: write %s: %w", ErrResource, tmp, err))
			}
			total += int64(n)
			lastData = time.Now()
		}
		if rerr == nil {
			continue
		}
		if rerr == io.EOF {
			break
		}
		var ne net.Error
		if errors.As(rerr, &ne) && ne.Timeout() && s.ctx.Err() == nil {
			if time.Since(lastData) < s.timing.FileAcceptTimeout {
				continue
			}
		}
		return fail(fmt.Errorf("%w: read: %w", ErrTransient, rerr))
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return total, "", fmt.Errorf("%w: close %s: %w", ErrResource, tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return total, "", fmt.Errorf("%w: %w", ErrResource, err)
	}
	return total, storage.DigestString(h), nil
}

func (s *Service) setFilename(name string) {
	s.fileMu.Lock()
	s.filename = name
	s.fileMu.Unlock()
}

func (s *Service) clearFilename(name string) {
	s.fileMu.Lock()
	if s.filename == name {
		s.filename = ""
	}
	s.fileMu.Unlock()
}

// PendingFilename is the name of the file most recently offered to this
// peer, empty once it has been received.
func (s *Service) PendingFilename() string {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	return s.filename
}
