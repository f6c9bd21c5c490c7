// Package directory implements the central directory server that tracks
// which peers are online, and the client peers use to register with it.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/ankouros/pchannel/internal/model"
	"github.com/ankouros/pchannel/internal/netx"
	"github.com/ankouros/pchannel/internal/wire"
)

// Client sends one-shot messages to the directory server. Each call opens
// a short TCP connection, writes one payload and closes.
type Client struct {
	Addr        string
	DialTimeout time.Duration
	Attempts    int
	Backoff     time.Duration
}

// registration is the payload peers send. The port travels as a string.
type registration struct {
	Name   string       `json:"name"`
	Port   flexPort     `json:"port"`
	Status model.Status `json:"status,omitempty"`
}

// flexPort encodes as a JSON string and decodes from a string or a number.
type flexPort int

func (p flexPort) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.Itoa(int(p)))
}

func (p *flexPort) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid port %s", b)
	}
	*p = flexPort(n)
	return nil
}

// Register announces id as online, retrying with a fixed backoff.
func (c *Client) Register(ctx context.Context, id model.PeerIdentity) error {
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.send(ctx, registration{Name: id.Name, Port: flexPort(id.Port)})
		if err == nil {
			return nil
		}
		lastErr = err
		log.Printf("directory: register attempt %d/%d: %v", attempt, attempts, err)
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.Backoff):
			}
		}
	}
	return fmt.Errorf("register %s with %s: %w", id, c.Addr, lastErr)
}

// Unregister marks id offline. It is a single best-effort attempt.
func (c *Client) Unregister(ctx context.Context, id model.PeerIdentity) error {
	return c.send(ctx, registration{Name: id.Name, Port: flexPort(id.Port), Status: model.StatusOffline})
}

// Relay asks the server to forward a signaling message to its target.
func (c *Client) Relay(ctx context.Context, sig *wire.WebRTCSignal) error {
	b, err := wire.Encode(sig)
	if err != nil {
		return err
	}
	return c.sendRaw(ctx, b)
}

func (c *Client) send(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.sendRaw(ctx, b)
}

func (c *Client) sendRaw(ctx context.Context, b []byte) error {
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := netx.Dialer(timeout, timeout).DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err = conn.Write(b)
	return err
}
