// Package pipenet provides the OS-facing transport layer for pipelink: named
// and anonymous local pipes with message-preserving framing, plus an adapter
// for externally supplied byte streams.
//
// A named pipe is a SOCK_SEQPACKET unix-domain socket under a configurable
// socket directory; SEQPACKET preserves write boundaries, so one write on
// one end is delivered as exactly one read on the other. An anonymous pipe
// is a connected SEQPACKET socketpair whose client end can be inherited by
// a spawned child process and reattached from the descriptor number.
package pipenet

import (
	"errors"
	"time"
)

// Errors returned by pipe operations.
var (
	// ErrNotConnected is returned when operating on a pipe whose peer is gone
	// or that has been closed.
	ErrNotConnected = errors.New("pipe is not connected")

	// ErrMessageTooLarge is returned when a single message exceeds the
	// pipe's message buffer size.
	ErrMessageTooLarge = errors.New("message exceeds buffer size")

	// ErrEmptyMessage is returned when writing a zero-length message, which
	// the peer could not distinguish from a disconnect.
	ErrEmptyMessage = errors.New("empty message")
)

// Pipe is one simplex or duplex OS byte conduit carrying whole messages.
// ReadMessage returns io.EOF once the peer has disconnected.
type Pipe interface {
	// ReadMessage blocks for the next message and returns it whole.
	ReadMessage() ([]byte, error)

	// WriteMessage transmits one message as a single unit.
	WriteMessage(p []byte) error

	// IsConnected returns true while the underlying conduit is usable.
	IsConnected() bool

	// SetReadDeadline bounds the next ReadMessage; the zero time means no
	// deadline. Pipes over conduits with no deadline support ignore it.
	SetReadDeadline(t time.Time) error

	// Close tears the pipe down and unblocks any pending ReadMessage.
	Close() error

	// LocalName names the pipe for diagnostics.
	LocalName() string

	// NumBytesRead returns the number of payload bytes read so far.
	NumBytesRead() int64

	// NumBytesWritten returns the number of payload bytes written so far.
	NumBytesWritten() int64
}

// Config carries the transport tunables pipes are created with.
type Config struct {
	// SocketDir is the directory named pipe sockets live in.
	SocketDir string

	// MessageBufferSize bounds a single message.
	MessageBufferSize int

	// WorldAccessible opens the listening socket to peers running under
	// other users.
	WorldAccessible bool
}
