// Package netx opens the TCP sockets used by peers and the directory
// server with consistent options.
package netx

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"
)

// Listen binds a TCP listener on host:port with SO_REUSEADDR so a
// restarted peer can rebind its port at once. Port 0 asks the OS for an
// ephemeral port.
func Listen(ctx context.Context, host string, port int) (*net.TCPListener, error) {
	lc := net.ListenConfig{KeepAlive: 30 * time.Second, Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("listen %s:%d: not a TCP listener", host, port)
	}
	return tl, nil
}

// Port returns the bound port of a listener.
func Port(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Dialer returns a dialer whose sockets give up on unacknowledged writes
// after sendTimeout, where the platform supports it.
func Dialer(timeout, sendTimeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
		Control: func(network, address string, c syscall.RawConn) error {
			return setUserTimeout(c, sendTimeout)
		},
	}
}

// Dial connects to host:port with Dialer.
func Dial(ctx context.Context, host string, port int, timeout, sendTimeout time.Duration) (net.Conn, error) {
	return Dialer(timeout, sendTimeout).DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

// Tune applies the same options to an accepted connection.
func Tune(conn net.Conn, sendTimeout time.Duration) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(true); err != nil {
		return err
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	return setUserTimeout(rc, sendTimeout)
}

// RemoteHost returns the IP of the remote end, or "" for non-IP conns.
func RemoteHost(conn net.Conn) string {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return ""
	}
	return host
}
