package rtmp

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrSocketClosed = errors.New("rtmp: socket closed by peer")
	ErrTimeout      = errors.New("rtmp: connection timed out")
)

// IOError is a socket failure other than an orderly close by the peer.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("rtmp: %s: %v", e.Op, e.Err)
}

func (e *IOError) Cause() error  { return e.Err }
func (e *IOError) Unwrap() error { return e.Err }

// ServerError reports bytes from one connection that could not be
// interpreted. Only that connection is affected.
type ServerError struct {
	ConnectionID int
	Err          error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("rtmp: connection %d: %v", e.ConnectionID, e.Err)
}

func (e *ServerError) Cause() error  { return e.Err }
func (e *ServerError) Unwrap() error { return e.Err }

// InvariantError means the connection manager and the dispatcher disagree
// about which connections exist. The event loop stops when it sees one.
type InvariantError struct {
	ConnectionID int
	Reason       string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("rtmp: invariant violated for connection %d: %s", e.ConnectionID, e.Reason)
}
