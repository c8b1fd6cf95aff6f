package rpc

import (
	"errors"

	"github.com/matheus3301/tgmirror/internal/supervisor"
)

var (
	// ErrProtocol is a framing violation in strict mode, or a malformed
	// status line.
	ErrProtocol = errors.New("rpc protocol error")
	// ErrConnectionLost means the socket closed or reset mid-exchange.
	ErrConnectionLost = errors.New("rpc connection lost")
	// ErrTimeout means no complete answer arrived within the deadline.
	ErrTimeout = errors.New("rpc timeout")
)

// IsTransport reports whether err is a transport failure after which the
// connection was dropped and the command may be retried.
func IsTransport(err error) bool {
	return errors.Is(err, ErrProtocol) || errors.Is(err, ErrConnectionLost)
}

// IsRetryable reports whether the command that produced err may be
// retried later from the same position.
func IsRetryable(err error) bool {
	return IsTransport(err) || errors.Is(err, ErrTimeout) || errors.Is(err, supervisor.ErrNotReady)
}
