package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ankouros/pchannel/internal/netx"
)

// openEphemeral binds a one-shot listener on an OS-assigned port.
func (s *Service) openEphemeral() (*net.TCPListener, int, error) {
	ln, err := netx.Listen(s.ctx, s.host, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: side channel: %w", ErrResource, err)
	}
	return ln, netx.Port(ln), nil
}

// acceptOne waits up to timeout for one connection on ln. The wait is
// split into AcceptPoll slices so cancellation is noticed promptly.
func (s *Service) acceptOne(ctx context.Context, ln *net.TCPListener, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		poll := time.Now().Add(s.timing.AcceptPoll)
		if poll.After(deadline) {
			poll = deadline
		}
		_ = ln.SetDeadline(poll)

		conn, err := ln.Accept()
		if err == nil {
			_ = netx.Tune(conn, s.timing.SendTimeout)
			return conn, nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if !time.Now().Before(deadline) {
				return nil, fmt.Errorf("%w: no connection within %v", ErrTransient, timeout)
			}
			continue
		}
		return nil, err
	}
}
