package pipenet

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"
)

// AnonymousPair is a connected pair of pipe ends created by the process
// that spawns a child. The parent keeps ParentPipe; the client end is
// exported as an *os.File so it can be passed to the child through fd
// inheritance, then released from the parent with ReleaseClient.
type AnonymousPair struct {
	parent     Pipe
	clientConn net.Conn
	clientFile *os.File
}

// NewAnonymousPair creates a connected anonymous pipe pair
func NewAnonymousPair(bufSize int) (*AnonymousPair, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot create anonymous pipe pair: %w", err)
	}
	var conns [2]net.Conn
	for i, fd := range fds {
		f := os.NewFile(uintptr(fd), "anon-pipe")
		conns[i], err = net.FileConn(f)
		f.Close()
		if err != nil {
			if i == 0 {
				syscall.Close(fds[1])
			} else {
				conns[0].Close()
			}
			return nil, fmt.Errorf("cannot create anonymous pipe pair: %w", err)
		}
	}
	parentConn, clientConn := conns[0], conns[1]
	return &AnonymousPair{
		parent:     newSocketPipe("anon-parent", parentConn, bufSize),
		clientConn: clientConn,
	}, nil
}

// ParentPipe returns the end the creating process keeps
func (ap *AnonymousPair) ParentPipe() Pipe {
	return ap.parent
}

// ClientFile returns the inheritable client end as an *os.File, suitable
// for exec.Cmd.ExtraFiles. The first call duplicates the descriptor out of
// the runtime network poller; subsequent calls return the same file.
func (ap *AnonymousPair) ClientFile() (*os.File, error) {
	if ap.clientFile != nil {
		return ap.clientFile, nil
	}
	if ap.clientConn == nil {
		return nil, ErrNotConnected
	}
	uc, ok := ap.clientConn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("anonymous pipe client end is not a unix conn")
	}
	f, err := uc.File()
	if err != nil {
		return nil, fmt.Errorf("cannot export anonymous pipe client end: %w", err)
	}
	ap.clientFile = f
	return f, nil
}

// ClientPipe wraps the client end for same-process use. It transfers
// ownership of the client end to the returned pipe; ClientFile can no
// longer be used after this call.
func (ap *AnonymousPair) ClientPipe(bufSize int) (Pipe, error) {
	if ap.clientConn == nil {
		return nil, ErrNotConnected
	}
	p := newSocketPipe("anon-client", ap.clientConn, bufSize)
	ap.clientConn = nil
	return p, nil
}

// ReleaseClient drops the parent's copy of the client end. It must be
// called after the child has been spawned so that client disconnect is
// observable on the parent pipe.
func (ap *AnonymousPair) ReleaseClient() {
	if ap.clientFile != nil {
		ap.clientFile.Close()
		ap.clientFile = nil
	}
	if ap.clientConn != nil {
		ap.clientConn.Close()
		ap.clientConn = nil
	}
}

// Close disposes both ends still owned by this pair
func (ap *AnonymousPair) Close() error {
	ap.ReleaseClient()
	return ap.parent.Close()
}

// AttachAnonymous reconstructs the client end of an anonymous pipe in a
// spawned child process from the inherited descriptor number passed on the
// command line.
func AttachAnonymous(id string, bufSize int) (Pipe, error) {
	fd, err := strconv.Atoi(id)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("bad anonymous pipe id %q", id)
	}
	f := os.NewFile(uintptr(fd), "anon-pipe-"+id)
	if f == nil {
		return nil, fmt.Errorf("descriptor %d is not open", fd)
	}
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("cannot attach to inherited pipe %q: %w", id, err)
	}
	return newSocketPipe("anon-"+id, conn, bufSize), nil
}
