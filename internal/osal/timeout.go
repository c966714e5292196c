package osal

import (
	"fmt"
	"time"
)

// Mode selects how a queue operation waits
type Mode int

const (
	// ModePoll never blocks
	ModePoll Mode = iota
	// ModePend blocks until the operation can complete
	ModePend
	// ModeTimed blocks up to a bounded duration
	ModeTimed
)

// String returns the mode name
func (m Mode) String() string {
	switch m {
	case ModePoll:
		return "poll"
	case ModePend:
		return "pend"
	case ModeTimed:
		return "timed"
	default:
		return "unknown"
	}
}

// Timeout is a queue wait policy
type Timeout struct {
	Mode     Mode
	Duration time.Duration
}

var (
	// Poll is the non-blocking policy
	Poll = Timeout{Mode: ModePoll}
	// Pend is the wait-forever policy
	Pend = Timeout{Mode: ModePend}
)

// Millis returns a timed policy of ms milliseconds. Zero is equivalent to poll.
func Millis(ms int) Timeout {
	return After(time.Duration(ms) * time.Millisecond)
}

// After returns a timed policy of duration d. Non-positive durations poll.
func After(d time.Duration) Timeout {
	if d <= 0 {
		return Poll
	}
	return Timeout{Mode: ModeTimed, Duration: d}
}

// Validate rejects malformed policies
func (t Timeout) Validate() error {
	switch t.Mode {
	case ModePoll, ModePend:
		return nil
	case ModeTimed:
		if t.Duration < 0 {
			return fmt.Errorf("%w: negative timeout %s", ErrInvalidTimeout, t.Duration)
		}
		return nil
	default:
		return fmt.Errorf("%w: mode %d", ErrInvalidTimeout, t.Mode)
	}
}

func (t Timeout) String() string {
	if t.Mode == ModeTimed {
		return fmt.Sprintf("timed(%s)", t.Duration)
	}
	return t.Mode.String()
}
