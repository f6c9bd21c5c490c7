package model

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// PeerIdentity names one running peer. Port is the control port; the
// pair is unique among running peers.
type PeerIdentity struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

func (p PeerIdentity) String() string {
	return fmt.Sprintf("%s:%d", p.Name, p.Port)
}

// Validate reports whether the identity can be used to bind and register.
func (p PeerIdentity) Validate() error {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return fmt.Errorf("peer name is empty")
	}
	if strings.ContainsAny(name, ":;/\\") {
		return fmt.Errorf("peer name %q contains a reserved character", name)
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("peer port %d out of range", p.Port)
	}
	return nil
}

// DirectoryRecord is one entry of the central directory.
type DirectoryRecord struct {
	Name   string `json:"name"`
	Port   int    `json:"port"`
	Status Status `json:"status"`
}

func (r DirectoryRecord) Identity() PeerIdentity {
	return PeerIdentity{Name: r.Name, Port: r.Port}
}

func (r DirectoryRecord) Online() bool {
	return r.Status == StatusOnline
}
