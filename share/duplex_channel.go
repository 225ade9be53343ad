// Package plshare implements message-oriented local IPC over pairs of
// unidirectional pipes: a composable codec chain (DEFLATE compression and
// AES-256-CBC encryption with a per-message IV), a duplex channel over one
// pipe, a combined channel that bootstraps a symmetric key to a spawned
// peer over an anonymous pipe, and a server multiplexer with a matching
// client endpoint.
package plshare

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/sammck-go/pipelink/pkg/pipenet"
)

// ChannelMode selects which side of a duplex channel this endpoint is
type ChannelMode int

const (
	// ModeClient connects to an existing pipe
	ModeClient ChannelMode = iota

	// ModeServer creates the pipe and waits for a peer
	ModeServer

	// ModeStream wraps an externally supplied byte stream
	ModeStream
)

// Direction constrains which operations a channel permits
type Direction int

const (
	// DirInOut permits both reads and writes
	DirInOut Direction = iota

	// DirIn permits reads only
	DirIn

	// DirOut permits writes only
	DirOut
)

// PipeKind identifies the underlying transport of a channel
type PipeKind int

const (
	// PipeNamed is a named pipe addressed by pipe name
	PipeNamed PipeKind = iota

	// PipeAnonymous is an anonymous pipe addressed by an inherited
	// descriptor number
	PipeAnonymous

	// PipeRawStream is an externally supplied byte stream
	PipeRawStream
)

// ChannelConfig parameterizes a DuplexChannel.
type ChannelConfig struct {
	// Mode selects client, server, or stream behavior.
	Mode ChannelMode

	// Direction constrains reads and writes; DirInOut for a full channel.
	Direction Direction

	// ID addresses the pipe: a decimal number designates an inherited
	// anonymous pipe descriptor, anything else is a named pipe name.
	// Ignored in stream mode.
	ID string

	// Stream is the wrapped byte stream in ModeStream.
	Stream io.ReadWriter

	// Key, when set, seeds the encryption codec instead of a random key.
	Key []byte

	// UseEncryption enables the AES stage.
	UseEncryption bool

	// UseCompression enables the DEFLATE stage.
	UseCompression bool

	// MessageBufferSize bounds one logical message; defaults to
	// DefaultChannelBufferSize.
	MessageBufferSize int

	// SocketDir locates named pipe sockets.
	SocketDir string

	// WorldAccessible opens a server channel's pipe to other users.
	WorldAccessible bool

	// WriteCacheLimit caps pre-accept buffered writes on a named server.
	WriteCacheLimit int

	// Serializer enables the typed Write/Read methods.
	Serializer Serializer

	// Logger receives channel diagnostics.
	Logger Logger
}

// DuplexChannel is one logical message channel over a single pipe. A named
// server channel accepts one peer at a time, dispatching received messages
// to its handler and re-accepting after a disconnect; client and stream
// channels are driven synchronously through the Read and Write methods.
type DuplexChannel struct {
	ShutdownHelper
	eventSink

	cfg     ChannelConfig
	kind    PipeKind
	bufSize int

	aes     *AESCodec
	codec   *CompositeCodec
	handler MessageHandler

	pipe     pipenet.Pipe
	listener *pipenet.Listener
	anon     *pipenet.AnonymousPair
	cache    *writeCache
	stats    ConnStats

	started bool
}

// NewDuplexChannel creates a channel from its configuration. The pipe is
// not touched until Start.
func NewDuplexChannel(cfg ChannelConfig) (*DuplexChannel, error) {
	ch := &DuplexChannel{cfg: cfg}
	if cfg.MessageBufferSize > 0 {
		ch.bufSize = cfg.MessageBufferSize
	} else {
		ch.bufSize = DefaultChannelBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = NilLogger()
	}

	switch cfg.Mode {
	case ModeStream:
		if cfg.Stream == nil {
			return nil, configErrorf("stream mode requires a stream")
		}
		ch.kind = PipeRawStream
	case ModeClient, ModeServer:
		if cfg.ID == "" {
			return nil, configErrorf("pipe id must not be empty")
		}
		if pipenet.IsAnonymousID(cfg.ID) {
			ch.kind = PipeAnonymous
		} else {
			ch.kind = PipeNamed
		}
	default:
		return nil, configErrorf("bad channel mode %d", cfg.Mode)
	}
	if cfg.Direction < DirInOut || cfg.Direction > DirOut {
		return nil, configErrorf("bad channel direction %d", cfg.Direction)
	}

	if cfg.Key != nil {
		aes, err := NewAESCodecWithKey(cfg.Key)
		if err != nil {
			return nil, err
		}
		ch.aes = aes
	}
	if cfg.Mode == ModeServer && ch.kind == PipeNamed {
		ch.cache = newWriteCache(cfg.WriteCacheLimit)
	}

	ch.InitShutdownHelper(logger.Fork("Channel(%s)", ch.name()), ch)
	ch.initEventSink(ch.Logger)
	return ch, nil
}

func (ch *DuplexChannel) name() string {
	if ch.kind == PipeRawStream {
		return "stream"
	}
	return ch.cfg.ID
}

// Kind returns the underlying transport kind of the channel
func (ch *DuplexChannel) Kind() PipeKind {
	return ch.kind
}

// SetHandler installs the handler invoked for each message received by a
// server channel's accept loop. It must be installed before Start.
func (ch *DuplexChannel) SetHandler(h MessageHandler) {
	ch.Lock.Lock()
	ch.handler = h
	ch.Lock.Unlock()
}

// Start brings the channel up. A client connects within the timeout; a
// named server begins accepting in the background; anonymous and stream
// channels are connected immediately.
func (ch *DuplexChannel) Start(timeout time.Duration) error {
	if ch.IsStartedShutdown() {
		return configErrorf("channel is disposed")
	}
	ch.Lock.Lock()
	if ch.started {
		ch.Lock.Unlock()
		return nil
	}
	ch.started = true
	ch.Lock.Unlock()

	switch {
	case ch.kind == PipeRawStream:
		ch.setPipe(pipenet.NewStreamPipe("stream", ch.cfg.Stream, ch.bufSize))

	case ch.cfg.Mode == ModeServer && ch.kind == PipeAnonymous:
		anon, err := pipenet.NewAnonymousPair(ch.bufSize)
		if err != nil {
			return osErrorf("%s", err)
		}
		ch.Lock.Lock()
		ch.anon = anon
		ch.Lock.Unlock()
		ch.setPipe(anon.ParentPipe())

	case ch.cfg.Mode == ModeClient && ch.kind == PipeAnonymous:
		pipe, err := pipenet.AttachAnonymous(ch.cfg.ID, ch.bufSize)
		if err != nil {
			return osErrorf("%s", err)
		}
		ch.setPipe(pipe)

	case ch.cfg.Mode == ModeServer && ch.kind == PipeNamed:
		listener, err := pipenet.Listen(ch.cfg.ID, ch.pipeConfig())
		if err != nil {
			return osErrorf("%s", err)
		}
		ch.Lock.Lock()
		ch.listener = listener
		ch.Lock.Unlock()
		go ch.acceptLoop()

	case ch.cfg.Mode == ModeClient && ch.kind == PipeNamed:
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		pipe, err := pipenet.Dial(ctx, ch.cfg.ID, ch.pipeConfig())
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return timeoutErrorf("connecting to pipe %s", ch.cfg.ID)
			}
			return transportErrorf("connecting to pipe %s: %s", ch.cfg.ID, err)
		}
		ch.setPipe(pipe)
	}
	return nil
}

func (ch *DuplexChannel) pipeConfig() pipenet.Config {
	return pipenet.Config{
		SocketDir:         ch.cfg.SocketDir,
		MessageBufferSize: ch.bufSize,
		WorldAccessible:   ch.cfg.WorldAccessible,
	}
}

func (ch *DuplexChannel) setPipe(p pipenet.Pipe) {
	ch.Lock.Lock()
	ch.pipe = p
	ch.Lock.Unlock()
}

func (ch *DuplexChannel) currentPipe() pipenet.Pipe {
	ch.Lock.Lock()
	defer ch.Lock.Unlock()
	return ch.pipe
}

// Ready returns true while the underlying pipe is connected
func (ch *DuplexChannel) Ready() bool {
	p := ch.currentPipe()
	return p != nil && p.IsConnected()
}

// acceptLoop serves a named server channel: accept a peer, flush the write
// cache, dispatch messages until disconnect, then accept again.
func (ch *DuplexChannel) acceptLoop() {
	ch.Lock.Lock()
	listener := ch.listener
	ch.Lock.Unlock()
	if listener == nil {
		return
	}
	failures := 0
	for !ch.IsStartedShutdown() {
		conn, err := listener.Accept()
		if err != nil {
			if ch.IsStartedShutdown() {
				return
			}
			// one disconnect-then-retry before giving up
			failures++
			ch.WLogf("accept failed: %s", err)
			ch.Disconnect()
			if failures > 1 {
				ch.emit(Event{Kind: EventMessageLoopError, Err: transportErrorf("accept: %s", err)})
				return
			}
			continue
		}
		failures = 0
		n := ch.stats.New()
		ch.stats.Open()
		ch.DLogf("peer %d connected %s", n, ch.stats.String())
		ch.setPipe(conn)
		ch.flushCache(conn)
		ch.serveConn(conn)
		ch.stats.Close()
	}
}

// flushCache writes messages buffered before the peer connected
func (ch *DuplexChannel) flushCache(p pipenet.Pipe) {
	ch.Lock.Lock()
	pending := ch.cache.drain()
	ch.Lock.Unlock()
	for _, b := range pending {
		if err := p.WriteMessage(b); err != nil {
			ch.WLogf("flushing cached write failed: %s", err)
			return
		}
	}
	if len(pending) > 0 {
		ch.DLogf("flushed %d cached writes", len(pending))
	}
}

// serveConn dispatches messages from one connected peer until it goes away
func (ch *DuplexChannel) serveConn(p pipenet.Pipe) {
	for {
		msg, err := p.ReadMessage()
		if err != nil {
			if err != io.EOF && !ch.IsStartedShutdown() {
				ch.emit(Event{Kind: EventMessageLoopError, Err: transportErrorf("read: %s", err)})
			}
			ch.emit(Event{Kind: EventClientDisconnected})
			ch.Disconnect()
			return
		}
		data, err := ch.decode(msg)
		if err != nil {
			ch.emit(Event{Kind: EventMessageLoopError, Err: err})
			continue
		}
		ch.Lock.Lock()
		handler := ch.handler
		ch.Lock.Unlock()
		if handler == nil {
			continue
		}
		ev := &MessageEvent{Message: data}
		handler(ev)
		if ev.Response != nil {
			if err = ch.WriteBytes(ev.Response); err != nil {
				ch.emit(Event{Kind: EventMessageLoopError, Err: err})
			}
		}
	}
}

// buildCodec assembles the compress-then-encrypt chain on first use
func (ch *DuplexChannel) buildCodec() (*CompositeCodec, error) {
	ch.Lock.Lock()
	defer ch.Lock.Unlock()
	if ch.codec != nil {
		return ch.codec, nil
	}
	var stages []Codec
	if ch.cfg.UseCompression {
		stages = append(stages, NewDeflateCodec())
	}
	if ch.cfg.UseEncryption {
		if ch.aes == nil {
			aes, err := NewAESCodec()
			if err != nil {
				return nil, err
			}
			ch.aes = aes
		}
		stages = append(stages, ch.aes)
	}
	ch.codec = NewCompositeCodec(stages...)
	return ch.codec, nil
}

func (ch *DuplexChannel) encode(data []byte) ([]byte, error) {
	codec, err := ch.buildCodec()
	if err != nil {
		return nil, err
	}
	if codec.IsEmpty() {
		return data, nil
	}
	return codec.Encode(data)
}

func (ch *DuplexChannel) decode(data []byte) ([]byte, error) {
	codec, err := ch.buildCodec()
	if err != nil {
		return nil, err
	}
	if codec.IsEmpty() {
		return data, nil
	}
	return codec.Decode(data)
}

// KeyData lazily initializes encryption and returns the packed 48-byte
// key+IV buffer for the bootstrap handshake
func (ch *DuplexChannel) KeyData() ([]byte, error) {
	ch.Lock.Lock()
	if ch.aes == nil {
		aes, err := NewAESCodec()
		if err != nil {
			ch.Lock.Unlock()
			return nil, err
		}
		ch.aes = aes
	}
	aes := ch.aes
	ch.Lock.Unlock()
	return aes.KeyPack(), nil
}

// WriteBytes encodes one payload through the codec chain and transmits it
// as one message. On a named server channel with no peer connected yet the
// encoded message is held in the write cache and flushed on accept. After
// Close, writes are silent no-ops.
func (ch *DuplexChannel) WriteBytes(data []byte) error {
	if ch.IsStartedShutdown() {
		return nil
	}
	if ch.cfg.Direction == DirIn {
		return configErrorf("channel is read-only")
	}
	if len(data) == 0 {
		return codecErrorf("cannot write an empty message")
	}
	encoded, err := ch.encode(data)
	if err != nil {
		return err
	}
	if len(encoded) > ch.bufSize {
		return protocolErrorf("message of %s exceeds buffer of %s",
			sizestr.ToString(int64(len(encoded))), sizestr.ToString(int64(ch.bufSize)))
	}

	p := ch.currentPipe()
	if p == nil || !p.IsConnected() {
		if ch.cache != nil {
			ch.Lock.Lock()
			defer ch.Lock.Unlock()
			return ch.cache.add(encoded)
		}
		return transportErrorf("pipe %s is not connected", ch.name())
	}
	if err = p.WriteMessage(encoded); err != nil {
		return ch.mapPipeError(err)
	}
	ch.TLogf("wrote %s", sizestr.ToString(int64(len(encoded))))
	return nil
}

// WriteString writes a UTF-8 string payload
func (ch *DuplexChannel) WriteString(s string) error {
	return ch.WriteBytes([]byte(s))
}

// Write serializes v through the configured Serializer and writes it
func (ch *DuplexChannel) Write(v interface{}) error {
	if ch.cfg.Serializer == nil {
		return configErrorf("no serializer configured")
	}
	data, err := ch.cfg.Serializer.Marshal(v)
	if err != nil {
		return codecErrorf("marshal failed: %s", err)
	}
	return ch.WriteBytes(data)
}

// ReadBytes drains one message: pipe read, decrypt, decompress. A peer
// disconnect and a disposed channel both return (nil, nil).
func (ch *DuplexChannel) ReadBytes() ([]byte, error) {
	if ch.IsStartedShutdown() {
		return nil, nil
	}
	if ch.cfg.Direction == DirOut {
		return nil, configErrorf("channel is write-only")
	}
	p := ch.currentPipe()
	if p == nil {
		return nil, transportErrorf("pipe %s is not connected", ch.name())
	}
	msg, err := p.ReadMessage()
	if err != nil {
		if err == io.EOF || ch.IsStartedShutdown() {
			return nil, nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, timeoutErrorf("reading from pipe %s", ch.name())
		}
		return nil, transportErrorf("read: %s", err)
	}
	return ch.decode(msg)
}

// ReadString drains one message as a UTF-8 string. A disconnect yields ""
func (ch *DuplexChannel) ReadString() (string, error) {
	data, err := ch.ReadBytes()
	return string(data), err
}

// Read drains one message and unmarshals it into v through the configured
// Serializer
func (ch *DuplexChannel) Read(v interface{}) error {
	if ch.cfg.Serializer == nil {
		return configErrorf("no serializer configured")
	}
	data, err := ch.ReadBytes()
	if err != nil {
		return err
	}
	if data == nil {
		return transportErrorf("peer disconnected")
	}
	if err = ch.cfg.Serializer.Unmarshal(data, v); err != nil {
		return codecErrorf("unmarshal failed: %s", err)
	}
	return nil
}

// SetReadDeadline bounds the next ReadBytes
func (ch *DuplexChannel) SetReadDeadline(t time.Time) error {
	p := ch.currentPipe()
	if p == nil {
		return transportErrorf("pipe %s is not connected", ch.name())
	}
	return p.SetReadDeadline(t)
}

// mapPipeError lifts transport-layer errors into the library taxonomy
func (ch *DuplexChannel) mapPipeError(err error) error {
	switch {
	case errors.Is(err, pipenet.ErrMessageTooLarge):
		return protocolErrorf("%s", err)
	case errors.Is(err, pipenet.ErrEmptyMessage):
		return codecErrorf("%s", err)
	default:
		return transportErrorf("%s", err)
	}
}

// AnonymousPair exposes the underlying pair of a server-mode anonymous
// channel, for wiring the client end to a spawned process
func (ch *DuplexChannel) AnonymousPair() *pipenet.AnonymousPair {
	ch.Lock.Lock()
	defer ch.Lock.Unlock()
	return ch.anon
}

// PipeID returns the identifier a peer should use to attach: the pipe name
// for a named channel, or the exported descriptor number of the client end
// for a server-mode anonymous channel
func (ch *DuplexChannel) PipeID() (string, error) {
	if ch.cfg.Mode == ModeServer && ch.kind == PipeAnonymous {
		anon := ch.AnonymousPair()
		if anon == nil {
			return "", configErrorf("channel is not started")
		}
		f, err := anon.ClientFile()
		if err != nil {
			return "", osErrorf("%s", err)
		}
		return fdString(f), nil
	}
	return ch.cfg.ID, nil
}

func fdString(f *os.File) string {
	return strconv.Itoa(int(f.Fd()))
}

// Disconnect drops the current peer. A named server keeps listening; other
// kinds become unusable.
func (ch *DuplexChannel) Disconnect() {
	ch.Lock.Lock()
	p := ch.pipe
	if ch.kind == PipeNamed && ch.cfg.Mode == ModeServer {
		ch.pipe = nil
	}
	ch.Lock.Unlock()
	if p != nil {
		p.Close()
	}
}

// HandleOnceShutdown disposes the pipe, listener, and anonymous pair
func (ch *DuplexChannel) HandleOnceShutdown(completionErr error) error {
	ch.Lock.Lock()
	p := ch.pipe
	listener := ch.listener
	anon := ch.anon
	ch.pipe = nil
	ch.listener = nil
	ch.anon = nil
	ch.Lock.Unlock()

	if listener != nil {
		listener.Close()
	}
	if p != nil {
		p.Close()
	}
	if anon != nil {
		anon.Close()
	}
	return completionErr
}
