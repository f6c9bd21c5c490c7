package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxBuffer bounds how many bytes of one incomplete message a
// Decoder keeps before giving up on it.
const DefaultMaxBuffer = 1 << 20

// Encode renders m as one JSON object with the "type" key first. Equal
// messages always encode to equal bytes.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	typ, err := json.Marshal(m.Type())
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	b.Grow(len(body) + len(typ) + 10)
	b.WriteString(`{"type":`)
	b.Write(typ)
	if len(body) > 2 {
		b.WriteByte(',')
		b.Write(body[1:])
	} else {
		b.WriteByte('}')
	}
	return b.Bytes(), nil
}

// Write encodes m and writes it to w in a single call.
func Write(w io.Writer, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Unmarshal decodes exactly one JSON object into its message type and
// checks required fields.
func Unmarshal(raw []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("%w: %v", ErrCorrupt, err)}
	}
	rawType, ok := fields["type"]
	if !ok {
		return nil, &ProtocolError{Field: "type", Err: ErrMissingField}
	}
	var t Type
	if err := json.Unmarshal(rawType, &t); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("%w: type is not a string", ErrCorrupt)}
	}
	m := newMessage(t)
	if m == nil {
		return nil, &ProtocolError{Type: t, Err: ErrUnknownType}
	}
	for _, f := range m.required() {
		if _, ok := fields[f]; !ok {
			return nil, &ProtocolError{Type: t, Field: f, Err: ErrMissingField}
		}
	}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, &ProtocolError{Type: t, Err: err}
	}
	if err := m.validate(); err != nil {
		return nil, &ProtocolError{Type: t, Err: err}
	}
	return m, nil
}

// Decoder splits a TCP byte stream into messages. Bytes are fed as they
// arrive; Next yields complete messages and keeps any trailing partial
// object for the next Feed.
type Decoder struct {
	buf []byte

	// MaxBuffer caps a pending incomplete message; zero means
	// DefaultMaxBuffer.
	MaxBuffer int
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports the bytes held back waiting for more input.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Rest returns a copy of the undecoded bytes.
func (d *Decoder) Rest() []byte {
	return append([]byte(nil), d.buf...)
}

// Next returns the next message. It returns (nil, nil) when the buffer is
// empty or holds only an incomplete object. A *ProtocolError means one
// message or some garbage was dropped; the caller should keep calling Next.
func (d *Decoder) Next() (Message, error) {
	d.buf = bytes.TrimLeft(d.buf, " \t\r\n")
	if len(d.buf) == 0 {
		d.buf = nil
		return nil, nil
	}
	if d.buf[0] != '{' {
		n := d.resync(0)
		return nil, &ProtocolError{Err: ErrCorrupt, Discarded: n}
	}

	dec := json.NewDecoder(bytes.NewReader(d.buf))
	var raw json.RawMessage
	err := dec.Decode(&raw)
	switch {
	case err == nil:
		d.buf = d.buf[dec.InputOffset():]
		return Unmarshal(raw)
	case errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF):
		if len(d.buf) > d.maxBuffer() {
			n := len(d.buf)
			d.buf = nil
			return nil, &ProtocolError{Err: ErrOversized, Discarded: n}
		}
		return nil, nil
	default:
		n := d.resync(1)
		return nil, &ProtocolError{Err: fmt.Errorf("%w: %v", ErrCorrupt, err), Discarded: n}
	}
}

// resync drops bytes up to the next '{' at or after from.
func (d *Decoder) resync(from int) int {
	i := bytes.IndexByte(d.buf[from:], '{')
	if i < 0 {
		n := len(d.buf)
		d.buf = nil
		return n
	}
	n := from + i
	d.buf = d.buf[n:]
	return n
}

func (d *Decoder) maxBuffer() int {
	if d.MaxBuffer > 0 {
		return d.MaxBuffer
	}
	return DefaultMaxBuffer
}

// DecodeStream decodes every complete message in data. It returns the
// messages in order, the trailing incomplete bytes, and one error per
// dropped message.
func DecodeStream(data []byte) ([]Message, []byte, []error) {
	d := &Decoder{buf: append([]byte(nil), data...)}
	var (
		msgs []Message
		errs []error
	)
	for {
		m, err := d.Next()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if m == nil {
			break
		}
		msgs = append(msgs, m)
	}
	return msgs, d.Rest(), errs
}
