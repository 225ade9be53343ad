package plshare

import (
	"errors"
	"fmt"
)

// Error kinds for the library. Callers match them with errors.Is; every
// error produced by this package wraps exactly one kind.
var (
	// ErrConfig indicates an invalid configuration: unset pipe base name,
	// invalid direction, or a stream-mode invariant violation.
	ErrConfig = errors.New("configuration error")

	// ErrProtocol indicates a violation of the message protocol: an empty
	// dispatch, a message exceeding MessageBufferSize, or a missing key when
	// decryption is enabled.
	ErrProtocol = errors.New("protocol error")

	// ErrCodec indicates an unrecoverable codec failure: an AES padding
	// mismatch, a malformed DEFLATE stream, or ciphertext shorter than an IV.
	ErrCodec = errors.New("codec error")

	// ErrTimeout indicates an operation gave up waiting: bootstrap key read,
	// request/notify, or connection establishment.
	ErrTimeout = errors.New("timeout")

	// ErrTransport indicates an underlying pipe I/O failure; it may be
	// recovered by a reconnect loop.
	ErrTransport = errors.New("transport error")

	// ErrOs indicates a socket-file or descriptor creation failure; fatal to
	// the affected endpoint.
	ErrOs = errors.New("os error")
)

// kindErrorf builds an error that wraps the given kind so that
// errors.Is(err, kind) holds.
func kindErrorf(kind error, f string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(f, args...))
}

func configErrorf(f string, args ...interface{}) error {
	return kindErrorf(ErrConfig, f, args...)
}

func protocolErrorf(f string, args ...interface{}) error {
	return kindErrorf(ErrProtocol, f, args...)
}

func codecErrorf(f string, args ...interface{}) error {
	return kindErrorf(ErrCodec, f, args...)
}

func timeoutErrorf(f string, args ...interface{}) error {
	return kindErrorf(ErrTimeout, f, args...)
}

func transportErrorf(f string, args ...interface{}) error {
	return kindErrorf(ErrTransport, f, args...)
}

func osErrorf(f string, args ...interface{}) error {
	return kindErrorf(ErrOs, f, args...)
}
