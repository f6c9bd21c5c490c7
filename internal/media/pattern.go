package media

import (
	"encoding/binary"
	"sync"
	"time"
)

// Pattern is a synthetic Source: each frame carries a magic tag, a
// sequence number and a capture timestamp, padded to a fixed size.
type Pattern struct {
	mu   sync.Mutex
	seq  uint32
	size int
}

const (
	patternMagic  = "PCHF"
	patternHeader = 16
)

func NewPattern(size int) *Pattern {
	if size < patternHeader {
		size = patternHeader
	}
	return &Pattern{size: size}
}

func (p *Pattern) NextFrame() ([]byte, error) {
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	frame := make([]byte, p.size)
	copy(frame, patternMagic)
	binary.BigEndian.PutUint32(frame[4:8], seq)
	binary.BigEndian.PutUint64(frame[8:16], uint64(time.Now().UnixNano()))
	for i := patternHeader; i < len(frame); i++ {
		frame[i] = byte(seq + uint32(i))
	}
	return frame, nil
}

// PatternSeq extracts the sequence number of a Pattern frame.
func PatternSeq(frame []byte) (uint32, bool) {
	if len(frame) < patternHeader || string(frame[:4]) != patternMagic {
		return 0, false
	}
	return binary.BigEndian.Uint32(frame[4:8]), true
}
