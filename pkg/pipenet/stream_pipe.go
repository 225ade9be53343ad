package pipenet

import (
	"io"
	"sync/atomic"
	"time"
)

// StreamPipe adapts an externally supplied byte stream to the Pipe
// interface. Byte streams do not preserve write boundaries, so message
// framing falls back to the short-read heuristic: a message is drained by
// reading full buffers until a read returns fewer bytes than the buffer.
// A message whose length is an exact multiple of the buffer size cannot be
// delimited this way; callers in stream mode should keep messages below
// the buffer size.
type StreamPipe struct {
	name            string
	stream          io.ReadWriter
	bufSize         int
	connected       int32
	numBytesRead    int64
	numBytesWritten int64
}

// NewStreamPipe wraps an externally supplied byte stream
func NewStreamPipe(name string, stream io.ReadWriter, bufSize int) *StreamPipe {
	return &StreamPipe{
		name:      name,
		stream:    stream,
		bufSize:   bufSize,
		connected: 1,
	}
}

// ReadMessage drains one message from the stream
func (p *StreamPipe) ReadMessage() ([]byte, error) {
	var msg []byte
	buf := make([]byte, p.bufSize)
	for {
		n, err := p.stream.Read(buf)
		if n > 0 {
			atomic.AddInt64(&p.numBytesRead, int64(n))
			msg = append(msg, buf[:n]...)
		}
		if err != nil {
			atomic.StoreInt32(&p.connected, 0)
			if len(msg) > 0 {
				return msg, nil
			}
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}
		if n < p.bufSize {
			return msg, nil
		}
	}
}

// WriteMessage transmits one message with a single write
func (p *StreamPipe) WriteMessage(b []byte) error {
	if len(b) == 0 {
		return ErrEmptyMessage
	}
	if len(b) > p.bufSize {
		return ErrMessageTooLarge
	}
	if atomic.LoadInt32(&p.connected) == 0 {
		return ErrNotConnected
	}
	n, err := p.stream.Write(b)
	atomic.AddInt64(&p.numBytesWritten, int64(n))
	if err != nil {
		atomic.StoreInt32(&p.connected, 0)
	}
	return err
}

// IsConnected returns true until a read or write fails or Close is called
func (p *StreamPipe) IsConnected() bool {
	return atomic.LoadInt32(&p.connected) != 0
}

// SetReadDeadline bounds the next ReadMessage when the wrapped stream
// supports deadlines; otherwise it is ignored
func (p *StreamPipe) SetReadDeadline(t time.Time) error {
	type deadliner interface {
		SetReadDeadline(t time.Time) error
	}
	if d, ok := p.stream.(deadliner); ok {
		return d.SetReadDeadline(t)
	}
	return nil
}

// Close marks the pipe disconnected and closes the wrapped stream when it
// is closable
func (p *StreamPipe) Close() error {
	atomic.StoreInt32(&p.connected, 0)
	if c, ok := p.stream.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// LocalName names the pipe for diagnostics
func (p *StreamPipe) LocalName() string {
	return p.name
}

// NumBytesRead returns the number of payload bytes read so far
func (p *StreamPipe) NumBytesRead() int64 {
	return atomic.LoadInt64(&p.numBytesRead)
}

// NumBytesWritten returns the number of payload bytes written so far
func (p *StreamPipe) NumBytesWritten() int64 {
	return atomic.LoadInt64(&p.numBytesWritten)
}

// interface checks
var _ Pipe = (*socketPipe)(nil)
var _ Pipe = (*StreamPipe)(nil)
