package smtp

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is returned when the server closes the stream
// before a complete reply line arrived.
var ErrConnectionClosed = errors.New("smtp: connection closed")

// ErrLineBreak is returned instead of writing a command line that carries
// CR or LF, which would put a second command on the wire.
var ErrLineBreak = errors.New("smtp: command contains line break")

// UnexpectedReplyError reports a reply line that does not carry the code
// the current stage expects.
type UnexpectedReplyError struct {
	Expected int
	Line     string
	Stage    string
}

func (e *UnexpectedReplyError) Error() string {
	return fmt.Sprintf("smtp: %s: expected %d, got %q", e.Stage, e.Expected, e.Line)
}

// TransportError wraps a socket level failure: dial, TLS handshake, read,
// write or deadline expiry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("smtp: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a deadline expiry.
func (e *TransportError) Timeout() bool {
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}
