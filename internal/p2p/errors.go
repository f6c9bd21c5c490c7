package p2p

import "errors"

var (
	// ErrTransient marks network failures that remain after retries. They
	// are reported to the operator and never stop the session.
	ErrTransient = errors.New("transient network failure")

	// ErrResource marks local socket or file failures such as a port that
	// cannot be bound or a file that cannot be written.
	ErrResource = errors.New("local resource failure")
)
