package plshare

import (
	"time"

	"github.com/sammck-go/pipelink/pkg/pipenet"
)

// bootstrapBufSize bounds a bootstrap pipe message; only key packs travel
// on it
const bootstrapBufSize = 2 * KeyPackSize

// CombinedServer is the spawner's side of a combined channel: it creates
// the bootstrap anonymous pipe, hands the symmetric key to the spawned
// peer over it, and serves the encrypted, compressed named-pipe channel.
type CombinedServer struct {
	ShutdownHelper

	cfg      *Config
	pipeName string
	anon     *pipenet.AnonymousPair
	channel  *DuplexChannel
	proc     *Process
}

// NewCombinedServer creates the bootstrap pipe and the main named channel,
// writes the key pack on the bootstrap pipe, and starts the channel.
// handler receives every message arriving on the main channel.
func NewCombinedServer(cfg *Config, pipeName string, handler MessageHandler) (*CombinedServer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if pipeName == "" {
		return nil, configErrorf("pipe name must not be empty")
	}
	s := &CombinedServer{
		cfg:      cfg,
		pipeName: pipeName,
	}
	s.InitShutdownHelper(cfg.logger("CombinedServer("+pipeName+")"), s)

	channel, err := NewDuplexChannel(ChannelConfig{
		Mode:              ModeServer,
		Direction:         DirInOut,
		ID:                pipeName,
		UseEncryption:     true,
		UseCompression:    cfg.UseCompression,
		MessageBufferSize: DefaultChannelBufferSize,
		SocketDir:         cfg.SocketDir,
		WorldAccessible:   cfg.WorldAccessible,
		WriteCacheLimit:   cfg.WriteCacheLimit,
		Logger:            s.Logger,
	})
	if err != nil {
		return nil, err
	}
	channel.SetHandler(handler)
	s.channel = channel

	if err = s.openBootstrap(); err != nil {
		channel.Shutdown(err)
		return nil, err
	}
	if err = channel.Start(0); err != nil {
		s.anon.Close()
		channel.Shutdown(err)
		return nil, err
	}
	s.AddShutdownChild(channel)
	return s, nil
}

// openBootstrap creates a fresh anonymous pair and writes the key pack on it
func (s *CombinedServer) openBootstrap() error {
	anon, err := pipenet.NewAnonymousPair(bootstrapBufSize)
	if err != nil {
		return osErrorf("%s", err)
	}
	pack, err := s.channel.KeyData()
	if err != nil {
		anon.Close()
		return err
	}
	if err = anon.ParentPipe().WriteMessage(pack); err != nil {
		anon.Close()
		return transportErrorf("writing key pack: %s", err)
	}
	s.Lock.Lock()
	old := s.anon
	s.anon = anon
	s.Lock.Unlock()
	if old != nil {
		old.Close()
	}
	s.DLogf("key pack staged on bootstrap pipe")
	return nil
}

// Channel returns the main named channel
func (s *CombinedServer) Channel() *DuplexChannel {
	return s.channel
}

// Events returns the main channel's notification stream
func (s *CombinedServer) Events() <-chan Event {
	return s.channel.Events()
}

// InitialPipeID returns the descriptor string a same-process peer can pass
// to AttachAnonymous; a spawned child receives its own id through Spawn.
func (s *CombinedServer) InitialPipeID() (string, error) {
	s.Lock.Lock()
	anon := s.anon
	s.Lock.Unlock()
	if anon == nil {
		return "", configErrorf("bootstrap pipe is closed")
	}
	f, err := anon.ClientFile()
	if err != nil {
		return "", osErrorf("%s", err)
	}
	return fdString(f), nil
}

// Spawn launches the peer executable. Each PIPE_ID token in args is
// replaced with the bootstrap pipe id the child sees (a lone id argument
// is used when args is empty), the client end is inherited by the child,
// and the local copy is released afterwards.
func (s *CombinedServer) Spawn(path string, args ...string) (*Process, error) {
	s.Lock.Lock()
	anon := s.anon
	s.Lock.Unlock()
	if anon == nil {
		return nil, configErrorf("bootstrap pipe is closed")
	}
	f, err := anon.ClientFile()
	if err != nil {
		return nil, osErrorf("%s", err)
	}
	proc, err := Spawn(path, args, f)
	if err != nil {
		return nil, err
	}
	anon.ReleaseClient()
	s.Lock.Lock()
	s.proc = proc
	s.Lock.Unlock()
	s.ILogf("spawned %s (pid %d)", path, proc.Pid())
	return proc, nil
}

// Reinitialize stages the key pack for a replacement peer process. The
// previous bootstrap pipe is discarded; call Spawn (or InitialPipeID)
// again afterwards.
func (s *CombinedServer) Reinitialize() error {
	if s.IsStartedShutdown() {
		return configErrorf("combined server is disposed")
	}
	return s.openBootstrap()
}

// Notify writes one message to the connected peer on the main channel
func (s *CombinedServer) Notify(data []byte) error {
	return s.channel.WriteBytes(data)
}

// HandleOnceShutdown disposes the bootstrap pipe and the main channel
func (s *CombinedServer) HandleOnceShutdown(completionErr error) error {
	s.Lock.Lock()
	anon := s.anon
	s.anon = nil
	s.Lock.Unlock()
	if anon != nil {
		anon.Close()
	}
	s.channel.StartShutdown(completionErr)
	return completionErr
}

// CombinedClient is the spawned peer's side of a combined channel: it
// attaches to the inherited bootstrap pipe, reads the key pack under a
// watchdog, then connects the encrypted named-pipe channel.
type CombinedClient struct {
	ShutdownHelper

	cfg     *Config
	channel *DuplexChannel
}

// NewCombinedClient performs the bootstrap handshake. pipeID is the
// inherited descriptor string passed on the command line; pipeName is the
// main channel's pipe name. The whole handshake is bounded by the
// configured request timeout (default 5 s).
func NewCombinedClient(cfg *Config, pipeName string, pipeID string) (*CombinedClient, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &CombinedClient{cfg: cfg}
	c.InitShutdownHelper(cfg.logger("CombinedClient("+pipeName+")"), c)

	deadline := time.Now().Add(cfg.requestTimeout())
	pack, err := readKeyPack(pipeID, deadline)
	if err != nil {
		return nil, err
	}

	channel, err := NewDuplexChannel(ChannelConfig{
		Mode:              ModeClient,
		Direction:         DirInOut,
		ID:                pipeName,
		Key:               pack[:AESKeySize],
		UseEncryption:     true,
		UseCompression:    cfg.UseCompression,
		MessageBufferSize: DefaultChannelBufferSize,
		SocketDir:         cfg.SocketDir,
		Logger:            c.Logger,
	})
	if err != nil {
		return nil, err
	}

	// the server may still be bringing its listener up; keep dialing
	// until the watchdog expires
	for {
		err = channel.Start(time.Until(deadline))
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			channel.Shutdown(err)
			return nil, timeoutErrorf("bootstrap handshake: %s", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	c.channel = channel
	c.AddShutdownChild(channel)
	return c, nil
}

// readKeyPack attaches to the bootstrap pipe and reads exactly one key pack
func readKeyPack(pipeID string, deadline time.Time) ([]byte, error) {
	boot, err := pipenet.AttachAnonymous(pipeID, bootstrapBufSize)
	if err != nil {
		return nil, osErrorf("%s", err)
	}
	defer boot.Close()
	boot.SetReadDeadline(deadline)
	pack, err := boot.ReadMessage()
	if err != nil {
		return nil, timeoutErrorf("waiting for key pack on bootstrap pipe %s: %s", pipeID, err)
	}
	if len(pack) != KeyPackSize {
		return nil, protocolErrorf("key pack of %d bytes, want %d", len(pack), KeyPackSize)
	}
	return pack, nil
}

// Channel returns the main named channel
func (c *CombinedClient) Channel() *DuplexChannel {
	return c.channel
}

// Request writes data on the main channel and blocks for the peer's
// reply. A zero timeout applies the configured request timeout.
func (c *CombinedClient) Request(data []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.cfg.requestTimeout()
	}
	if err := c.Notify(data, timeout); err != nil {
		return nil, err
	}
	c.channel.SetReadDeadline(time.Now().Add(timeout))
	defer c.channel.SetReadDeadline(time.Time{})
	reply, err := c.channel.ReadBytes()
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, transportErrorf("peer disconnected awaiting reply")
	}
	return reply, nil
}

// Notify writes data on the main channel without awaiting a reply
func (c *CombinedClient) Notify(data []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.requestTimeout()
	}
	done := make(chan error, 1)
	go func() {
		done <- c.channel.WriteBytes(data)
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return timeoutErrorf("writing %d-byte message", len(data))
	}
}

// HandleOnceShutdown disposes the main channel
func (c *CombinedClient) HandleOnceShutdown(completionErr error) error {
	if c.channel != nil {
		c.channel.StartShutdown(completionErr)
	}
	return completionErr
}
