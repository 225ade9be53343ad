package pipenet

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"time"
)

// socketPipe adapts a packet-oriented net.Conn (named or anonymous) to the
// Pipe interface. One read returns one record, which is exactly the
// message-boundary behavior the channel layer relies on.
type socketPipe struct {
	name            string
	conn            net.Conn
	bufSize         int
	connected       int32
	numBytesRead    int64
	numBytesWritten int64
}

// newSocketPipe wraps an already connected packet conn
func newSocketPipe(name string, conn net.Conn, bufSize int) *socketPipe {
	return &socketPipe{
		name:      name,
		conn:      conn,
		bufSize:   bufSize,
		connected: 1,
	}
}

// ReadMessage blocks for the next record. A zero-length read, EOF or a
// connection reset marks peer disconnect; a read-deadline timeout leaves
// the pipe connected.
func (p *socketPipe) ReadMessage() ([]byte, error) {
	buf := make([]byte, p.bufSize)
	n, err := p.conn.Read(buf)
	if n > 0 {
		atomic.AddInt64(&p.numBytesRead, int64(n))
		return buf[:n], nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil, err
	}
	atomic.StoreInt32(&p.connected, 0)
	if err == nil || err == io.EOF || errors.Is(err, syscall.ECONNRESET) {
		return nil, io.EOF
	}
	return nil, err
}

// WriteMessage transmits one message as a single record
func (p *socketPipe) WriteMessage(b []byte) error {
	if len(b) == 0 {
		return ErrEmptyMessage
	}
	if len(b) > p.bufSize {
		return ErrMessageTooLarge
	}
	if atomic.LoadInt32(&p.connected) == 0 {
		return ErrNotConnected
	}
	n, err := p.conn.Write(b)
	atomic.AddInt64(&p.numBytesWritten, int64(n))
	if err != nil {
		atomic.StoreInt32(&p.connected, 0)
	}
	return err
}

// IsConnected returns true while the peer is reachable
func (p *socketPipe) IsConnected() bool {
	return atomic.LoadInt32(&p.connected) != 0
}

// SetReadDeadline bounds the next ReadMessage
func (p *socketPipe) SetReadDeadline(t time.Time) error {
	return p.conn.SetReadDeadline(t)
}

// Close tears the pipe down and unblocks any pending ReadMessage
func (p *socketPipe) Close() error {
	atomic.StoreInt32(&p.connected, 0)
	return p.conn.Close()
}

// LocalName names the pipe for diagnostics
func (p *socketPipe) LocalName() string {
	return p.name
}

// NumBytesRead returns the number of payload bytes read so far
func (p *socketPipe) NumBytesRead() int64 {
	return atomic.LoadInt64(&p.numBytesRead)
}

// NumBytesWritten returns the number of payload bytes written so far
func (p *socketPipe) NumBytesWritten() int64 {
	return atomic.LoadInt64(&p.numBytesWritten)
}
