package bus

import "errors"

var (
	// Call-level failures
	ErrBadArgument    = errors.New("bus: bad argument")
	ErrInvalidMsgID   = errors.New("bus: invalid message id")
	ErrMsgTooBig      = errors.New("bus: message too big")
	ErrBufferAlloc    = errors.New("bus: buffer allocation failed")
	ErrBufferInvalid  = errors.New("bus: buffer is not valid for this operation")
	ErrBufferReleased = errors.New("bus: buffer already released")
	ErrIntegrity      = errors.New("bus: message integrity check failed")
	ErrPipeRead       = errors.New("bus: pipe read error")
	ErrClosed         = errors.New("bus: closed")

	// Pipe table
	ErrMaxPipesMet   = errors.New("bus: maximum number of pipes in use")
	ErrPipeNameTaken = errors.New("bus: pipe name already in use")
	ErrNotOwner      = errors.New("bus: caller does not own the pipe")
	ErrPipeNotFound  = errors.New("bus: pipe not found")

	// Subscriptions
	ErrMaxMsgIDsMet = errors.New("bus: maximum number of message ids in use")
	ErrMaxDestsMet  = errors.New("bus: maximum destinations for message id")

	// Expected receive outcomes
	ErrNoMessage = errors.New("bus: no message")
	ErrTimeout   = errors.New("bus: timed out")

	// Per-destination delivery failures
	ErrMsgLimit     = errors.New("bus: message limit reached for destination")
	ErrPipeOverflow = errors.New("bus: pipe overflow")
	ErrPipeWrite    = errors.New("bus: pipe write error")

	// Aggregate transmit failure
	ErrDeliveryFailed = errors.New("bus: delivery failed")
)

// isExpected reports receive outcomes that are not failures
func isExpected(err error) bool {
	return err == nil || errors.Is(err, ErrNoMessage) || errors.Is(err, ErrTimeout)
}
