package config

import "time"

// Timing collects every timeout, retry count and poll interval used by the
// peer and the directory server. Tests shrink these; production uses
// DefaultTiming.
type Timing struct {
	AcceptPoll  time.Duration
	ReadPoll    time.Duration
	SendTimeout time.Duration
	DialTimeout time.Duration

	ConnectAttempts  int
	ConnectBackoff   time.Duration
	BindAttempts     int
	BindBackoff      time.Duration
	RegisterAttempts int
	RegisterBackoff  time.Duration

	FilePortTimeout   time.Duration
	FileAcceptTimeout time.Duration

	VideoPortOffset    int
	VideoAcceptTimeout time.Duration
	VideoDialAttempts  int
	VideoDialTimeout   time.Duration
	VideoRetryPause    time.Duration
	VideoQueuePoll     time.Duration
	FrameInterval      time.Duration

	DrainTimeout time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		AcceptPoll:  time.Second,
		ReadPoll:    5 * time.Second,
		SendTimeout: 5 * time.Second,
		DialTimeout: 5 * time.Second,

		ConnectAttempts:  3,
		ConnectBackoff:   time.Second,
		BindAttempts:     3,
		BindBackoff:      time.Second,
		RegisterAttempts: 3,
		RegisterBackoff:  2 * time.Second,

		FilePortTimeout:   5 * time.Second,
		FileAcceptTimeout: 30 * time.Second,

		VideoPortOffset:    1000,
		VideoAcceptTimeout: 15 * time.Second,
		VideoDialAttempts:  5,
		VideoDialTimeout:   60 * time.Second,
		VideoRetryPause:    2 * time.Second,
		VideoQueuePoll:     100 * time.Millisecond,
		FrameInterval:      30 * time.Millisecond,

		DrainTimeout: time.Second,
	}
}
