package core

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrHandshakeVersion = errors.New("rtmp: unsupported handshake version")
	ErrHandshakeDigest  = errors.New("rtmp: handshake digest mismatch")
	ErrHandshakeDone    = errors.New("rtmp: handshake already complete")
)

// ChunkError reports a chunk stream that cannot be decoded: a header that
// references unknown state, a message that overruns its chunk boundaries, or
// an invalid chunk size.
type ChunkError struct {
	CSID   uint32
	Reason string
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("rtmp: chunk stream %d: %s", e.CSID, e.Reason)
}

// CommandError reports an AMF command that is malformed or not allowed in the
// current session state.
type CommandError struct {
	Command string
	Reason  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rtmp: command %q: %s: %v", e.Command, e.Reason, e.Err)
	}
	return fmt.Sprintf("rtmp: command %q: %s", e.Command, e.Reason)
}

func (e *CommandError) Cause() error {
	return e.Err
}
