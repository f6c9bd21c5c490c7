//go:build !unix

package netx

import "syscall"

func reuseAddr(network, address string, c syscall.RawConn) error { return nil }
