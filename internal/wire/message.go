// Package wire defines the JSON control-channel messages exchanged between
// peers and with the directory server, and the stream codec that frames
// them on a TCP byte stream.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type Type string

const (
	TypeConnect      Type = "connect"
	TypeChat         Type = "chat"
	TypeFile         Type = "file"
	TypeFilePort     Type = "file_port"
	TypeCentral      Type = "central"
	TypeFetch        Type = "fetch"
	TypeVideo        Type = "video"
	TypeVideoStop    Type = "video_stop"
	TypeWebRTCSignal Type = "webrtc_signal"
)

// Message is one of the control-channel message types in this package.
type Message interface {
	Type() Type
	required() []string
	validate() error
}

// Connect announces the sender after a control connection opens.
type Connect struct {
	Name string `json:"name"`
}

type Chat struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// File offers a file; the receiver answers with FilePort.
type File struct {
	Name     string `json:"name"`
	Filename string `json:"filename"`
}

type FilePort struct {
	Port int `json:"port"`
}

// Central carries the directory list pushed by the directory server.
type Central struct {
	Name       string `json:"name,omitempty"`
	ListFriend string `json:"listFriend"`
}

// Fetch asks the receiver to repeat its last stored chat line.
type Fetch struct {
	Name string `json:"name"`
}

// Video advertises the sender's outbound video port.
type Video struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

type VideoStop struct {
	Name string `json:"name"`
}

// WebRTCSignal is relayed by the directory server. Data is opaque.
type WebRTCSignal struct {
	SenderName string          `json:"sender_name"`
	TargetName string          `json:"target_name"`
	Data       json.RawMessage `json:"data"`
}

func (*Connect) Type() Type      { return TypeConnect }
func (*Chat) Type() Type         { return TypeChat }
func (*File) Type() Type         { return TypeFile }
func (*FilePort) Type() Type     { return TypeFilePort }
func (*Central) Type() Type      { return TypeCentral }
func (*Fetch) Type() Type        { return TypeFetch }
func (*Video) Type() Type        { return TypeVideo }
func (*VideoStop) Type() Type    { return TypeVideoStop }
func (*WebRTCSignal) Type() Type { return TypeWebRTCSignal }

func (*Connect) required() []string      { return []string{"name"} }
func (*Chat) required() []string         { return []string{"name", "message"} }
func (*File) required() []string         { return []string{"name", "filename"} }
func (*FilePort) required() []string     { return []string{"port"} }
func (*Central) required() []string      { return []string{"listFriend"} }
func (*Fetch) required() []string        { return []string{"name"} }
func (*Video) required() []string        { return []string{"name", "port"} }
func (*VideoStop) required() []string    { return []string{"name"} }
func (*WebRTCSignal) required() []string { return []string{"sender_name", "target_name", "data"} }

func (*Connect) validate() error    { return nil }
func (*Chat) validate() error       { return nil }
func (*File) validate() error       { return nil }
func (m *FilePort) validate() error { return validPort(m.Port) }
func (*Central) validate() error    { return nil }
func (*Fetch) validate() error      { return nil }
func (m *Video) validate() error    { return validPort(m.Port) }
func (*VideoStop) validate() error  { return nil }

func (m *WebRTCSignal) validate() error {
	if len(bytes.TrimSpace(m.Data)) == 0 || bytes.Equal(bytes.TrimSpace(m.Data), []byte("null")) {
		return errors.New("empty data")
	}
	return nil
}

func validPort(p int) error {
	if p <= 0 || p > 65535 {
		return fmt.Errorf("port %d out of range", p)
	}
	return nil
}

func newMessage(t Type) Message {
	switch t {
	case TypeConnect:
		return &Connect{}
	case TypeChat:
		return &Chat{}
	case TypeFile:
		return &File{}
	case TypeFilePort:
		return &FilePort{}
	case TypeCentral:
		return &Central{}
	case TypeFetch:
		return &Fetch{}
	case TypeVideo:
		return &Video{}
	case TypeVideoStop:
		return &VideoStop{}
	case TypeWebRTCSignal:
		return &WebRTCSignal{}
	}
	return nil
}

var (
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing field")
	ErrCorrupt      = errors.New("corrupt stream")
	ErrOversized    = errors.New("message exceeds buffer limit")
)

// ProtocolError reports one message that could not be decoded. It never
// affects the messages around it.
type ProtocolError struct {
	Type      Type
	Field     string
	Discarded int
	Err       error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Field != "" && e.Type != "":
		return fmt.Sprintf("wire: %s: %v %q", e.Type, e.Err, e.Field)
	case e.Field != "":
		return fmt.Sprintf("wire: %v %q", e.Err, e.Field)
	case e.Discarded > 0:
		return fmt.Sprintf("wire: %v (discarded %d bytes)", e.Err, e.Discarded)
	case e.Type != "":
		return fmt.Sprintf("wire: %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("wire: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
