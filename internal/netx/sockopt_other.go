//go:build !linux

package netx

import (
	"syscall"
	"time"
)

// Write deadlines still bound sends on these platforms.
func setUserTimeout(syscall.RawConn, time.Duration) error { return nil }

func userTimeout(syscall.RawConn) (time.Duration, error) { return 0, nil }
