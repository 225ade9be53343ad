package pipenet

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Suffixes distinguishing the two halves of a duplex named-pipe pair. The
// server reads its -IN pipe and writes its -OUT pipe; a client connects the
// other way around.
const (
	InPipeSuffix  = "-IN"
	OutPipeSuffix = "-OUT"
)

// InPipeName returns the name of the server-inbound half of a duplex pair
func InPipeName(base string) string {
	return base + InPipeSuffix
}

// OutPipeName returns the name of the server-outbound half of a duplex pair
func OutPipeName(base string) string {
	return base + OutPipeSuffix
}

// SocketPath maps a pipe name to its socket file under the socket directory
func SocketPath(dir string, name string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, name+".sock")
}

// IsAnonymousID reports whether a pipe id designates an inherited anonymous
// pipe descriptor (a decimal number) rather than a named pipe
func IsAnonymousID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Listener accepts connections on one named pipe.
type Listener struct {
	name     string
	path     string
	bufSize  int
	listener *net.UnixListener
}

// Listen creates a listening named pipe. A stale socket file left behind by
// a dead server is removed first; an actively used path fails with an
// address-in-use error.
func Listen(name string, cfg Config) (*Listener, error) {
	if name == "" {
		return nil, fmt.Errorf("pipe name must not be empty")
	}
	path := SocketPath(cfg.SocketDir, name)
	removeStaleSocket(path)
	addr := &net.UnixAddr{Name: path, Net: "unixpacket"}
	ul, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		return nil, fmt.Errorf("cannot listen on pipe %s (%s): %w", name, path, err)
	}
	if cfg.WorldAccessible {
		if err = os.Chmod(path, 0666); err != nil {
			ul.Close()
			return nil, fmt.Errorf("cannot open pipe %s to other users: %w", name, err)
		}
	}
	ul.SetUnlinkOnClose(true)
	return &Listener{
		name:     name,
		path:     path,
		bufSize:  cfg.MessageBufferSize,
		listener: ul,
	}, nil
}

// removeStaleSocket unlinks a socket file no server is accepting on
func removeStaleSocket(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	c, err := net.Dial("unixpacket", path)
	if err == nil {
		c.Close()
		return
	}
	if strings.Contains(err.Error(), "connection refused") {
		os.Remove(path)
	}
}

// Accept blocks for the next client connection on this pipe
func (l *Listener) Accept() (Pipe, error) {
	conn, err := l.listener.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return newSocketPipe(l.name, conn, l.bufSize), nil
}

// SetDeadline bounds pending and future Accept calls; the zero time means
// no deadline
func (l *Listener) SetDeadline(t time.Time) error {
	return l.listener.SetDeadline(t)
}

// Name returns the pipe name this listener was created with
func (l *Listener) Name() string {
	return l.name
}

// Path returns the socket file backing this listener
func (l *Listener) Path() string {
	return l.path
}

// Close stops accepting and unlinks the socket file. Pending Accept calls
// are unblocked with an error.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Dial connects to a listening named pipe. The context bounds connection
// establishment.
func Dial(ctx context.Context, name string, cfg Config) (Pipe, error) {
	path := SocketPath(cfg.SocketDir, name)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unixpacket", path)
	if err != nil {
		return nil, err
	}
	return newSocketPipe(name, conn, cfg.MessageBufferSize), nil
}
