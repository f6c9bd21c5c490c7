// Package media holds the frame source and presentation sink used by video
// streaming, and the length-prefixed framing of the video socket.
package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes bounds one encoded frame on the video socket.
const MaxFrameBytes = 16 << 20

var ErrNoFrame = errors.New("media: no frame available")

// Source yields encoded frames. Frames are opaque bytes.
type Source interface {
	NextFrame() ([]byte, error)
}

// Sink presents decoded frames. Clear blanks the display when a stream
// stops.
type Sink interface {
	Show(frame []byte) error
	Clear()
}

// WriteFrame writes a 4-byte big-endian length followed by the payload.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) > MaxFrameBytes {
		return fmt.Errorf("media: frame too large: %d bytes", len(frame))
	}
	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(frame)))
	copy(buf[4:], frame)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame written by WriteFrame. Short reads are
// continued until the frame is complete.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameBytes {
		return nil, fmt.Errorf("media: invalid frame size: %d", size)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}
