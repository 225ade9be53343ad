package plshare

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jpillora/backoff"
	"github.com/jpillora/sizestr"

	"github.com/sammck-go/pipelink/pkg/pipenet"
)

// clientStopDrainTimeout bounds the wait for the message loop to exit
// during Stop
const clientStopDrainTimeout = 2500 * time.Millisecond

// PipeClient is the client endpoint of the multiplexer: it connects the
// two simplex halves of a duplex pair (its inbound half is the server's
// -OUT pipe and vice versa), runs a message loop identical in shape to the
// server's, and optionally keeps reconnecting whenever the connection is
// lost.
type PipeClient struct {
	ShutdownHelper
	eventSink

	cfg     *Config
	handler MessageHandler
	state   stateVar

	// lock guards in, out and loopDone
	lock     sync.Mutex
	in       pipenet.Pipe
	out      pipenet.Pipe
	loopDone chan struct{}

	// stopChan is the endpoint's cancellation token
	stopChan chan struct{}

	// gate is the shutdown semaphore released by the message loop when it
	// exits while stopping
	gate chan struct{}
}

// NewPipeClient creates a client endpoint. handler receives every message
// the server pushes on the -OUT pipe and may set a response.
func NewPipeClient(cfg *Config, handler MessageHandler) *PipeClient {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &PipeClient{
		cfg:     cfg,
		handler: handler,
	}
	c.InitShutdownHelper(cfg.logger("PipeClient("+cfg.PipeName+")"), c)
	c.initEventSink(c.Logger)
	return c
}

// State returns the endpoint's lifecycle state
func (c *PipeClient) State() EndpointState {
	return c.state.get()
}

// IsConnected returns true while the duplex pair is live
func (c *PipeClient) IsConnected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.in != nil && c.in.IsConnected() && c.out != nil && c.out.IsConnected()
}

// Start brings the endpoint up. With a positive reconnect polling
// interval the endpoint keeps attempting to connect in the background;
// with a zero interval a single connection attempt is made and its
// failure stops the endpoint.
func (c *PipeClient) Start() error {
	switch st := c.state.get(); st {
	case StateStarted, StateConnected, StateReconnecting:
		return nil
	case StateStarting, StateStopping, StateDisposed:
		return configErrorf("cannot start a %s client", st)
	}
	if c.cfg.PipeName == "" {
		return configErrorf("base pipe name is not set")
	}
	if !c.state.cas(StateIdle, StateStarting) && !c.state.cas(StateStopped, StateStarting) {
		return configErrorf("cannot start a %s client", c.state.get())
	}
	c.stopChan = make(chan struct{})
	c.gate = make(chan struct{}, 1)

	if c.cfg.ReconnectPollingInterval > 0 {
		c.state.set(StateReconnecting)
		go c.reconnectLoop()
		c.emit(Event{Kind: EventClientStarted})
		c.ILogf("started; polling for server on pipe %s", c.cfg.PipeName)
		return nil
	}

	if err := c.connect(); err != nil {
		c.state.set(StateStopped)
		return err
	}
	c.emit(Event{Kind: EventClientStarted})
	return nil
}

// connect opens both simplex halves and starts the message loop
func (c *PipeClient) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.connectionTimeout())
	defer cancel()
	pcfg := c.cfg.pipeConfig()

	// our outbound half is the server's -IN pipe
	out, err := pipenet.Dial(ctx, pipenet.InPipeName(c.cfg.PipeName), pcfg)
	if err != nil {
		return c.dialError(err)
	}
	in, err := pipenet.Dial(ctx, pipenet.OutPipeName(c.cfg.PipeName), pcfg)
	if err != nil {
		out.Close()
		return c.dialError(err)
	}

	loopDone := make(chan struct{})
	c.lock.Lock()
	c.in = in
	c.out = out
	c.loopDone = loopDone
	c.lock.Unlock()

	c.state.set(StateConnected)
	c.ILogf("connected to server on pipe %s", c.cfg.PipeName)
	c.emit(Event{Kind: EventServerConnected})
	go c.messageLoop(in, out, loopDone)
	return nil
}

func (c *PipeClient) dialError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutErrorf("connecting to pipe %s", c.cfg.PipeName)
	}
	return transportErrorf("connecting to pipe %s: %s", c.cfg.PipeName, err)
}

// reconnectLoop keeps the endpoint connected. Pacing follows a backoff
// seeded with the polling interval; the wait is cut short when the
// server's listening socket appears in the socket directory.
func (c *PipeClient) reconnectLoop() {
	b := &backoff.Backoff{
		Min:    c.cfg.ReconnectPollingInterval.D(),
		Max:    8 * c.cfg.ReconnectPollingInterval.D(),
		Factor: 1.5,
		Jitter: true,
	}
	watch := c.watchSocketDir()
	if watch != nil {
		defer watch.Close()
	}

	for {
		if c.stopping() {
			return
		}
		err := c.connect()
		if err != nil {
			c.DLogf("connect attempt failed: %s", err)
			c.state.set(StateReconnecting)
			c.sleep(b.Duration(), watch)
			continue
		}
		b.Reset()

		c.lock.Lock()
		loopDone := c.loopDone
		c.lock.Unlock()
		select {
		case <-loopDone:
		case <-c.stopChan:
			return
		}
		c.state.set(StateReconnecting)
	}
}

// watchSocketDir arranges an fsnotify wake-up for the server socket
// appearing; nil when the directory cannot be watched
func (c *PipeClient) watchSocketDir() *fsnotify.Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		c.DLogf("fsnotify unavailable: %s", err)
		return nil
	}
	dir := filepath.Dir(pipenet.SocketPath(c.cfg.SocketDir, c.cfg.PipeName))
	if err = w.Add(dir); err != nil {
		c.DLogf("cannot watch %s: %s", dir, err)
		w.Close()
		return nil
	}
	return w
}

// sleep pauses between connection attempts, waking early on cancellation
// or on the server socket being created
func (c *PipeClient) sleep(d time.Duration, watch *fsnotify.Watcher) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	inPath := pipenet.SocketPath(c.cfg.SocketDir, pipenet.InPipeName(c.cfg.PipeName))
	for {
		var events chan fsnotify.Event
		if watch != nil {
			events = watch.Events
		}
		select {
		case <-c.stopChan:
			return
		case <-timer.C:
			return
		case ev, ok := <-events:
			if !ok {
				watch = nil
				continue
			}
			if ev.Op&fsnotify.Create != 0 && ev.Name == inPath {
				c.DLogf("server socket appeared; retrying now")
				return
			}
		}
	}
}

// messageLoop mirrors the server's read loop: one event per received
// message, optional response write-back, loop errors surfaced without
// propagating
func (c *PipeClient) messageLoop(in pipenet.Pipe, out pipenet.Pipe, loopDone chan struct{}) {
	defer close(loopDone)
	for {
		if c.stopping() {
			break
		}
		msg, err := in.ReadMessage()
		if err != nil {
			if err != io.EOF && !c.stopping() {
				c.emit(Event{Kind: EventMessageLoopError, Err: transportErrorf("read: %s", err)})
			}
			break
		}
		c.dispatch(out, msg)
	}

	stopping := c.stopping()
	c.lock.Lock()
	c.in = nil
	c.out = nil
	c.lock.Unlock()
	if !stopping {
		in.Close()
		out.Close()
		c.ILogf("server disconnected")
		c.emit(Event{Kind: EventServerDisconnected})
	} else {
		c.releaseGate()
	}
}

// dispatch runs the handler for one pushed message; a handler panic is
// contained and surfaced like any other loop error
func (c *PipeClient) dispatch(out pipenet.Pipe, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.emit(Event{Kind: EventMessageLoopError, Err: transportErrorf("handler panic: %v", r)})
		}
	}()
	c.TLogf("server sent %s", sizestr.ToString(int64(len(msg))))
	if c.handler == nil {
		return
	}
	ev := &MessageEvent{Message: msg}
	c.handler(ev)
	if ev.Response != nil && !c.stopping() {
		if err := out.WriteMessage(ev.Response); err != nil {
			c.emit(Event{Kind: EventMessageLoopError, Err: transportErrorf("response write: %s", err)})
		}
	}
}

func (c *PipeClient) stopping() bool {
	select {
	case <-c.stopChan:
		return true
	default:
		return false
	}
}

func (c *PipeClient) releaseGate() {
	select {
	case c.gate <- struct{}{}:
	default:
	}
}

// Write sends one message to the server
func (c *PipeClient) Write(msg []byte) error {
	if len(msg) == 0 {
		return codecErrorf("cannot write an empty message")
	}
	if len(msg) > c.cfg.MessageBufferSize {
		return protocolErrorf("message of %s exceeds buffer of %s",
			sizestr.ToString(int64(len(msg))), sizestr.ToString(int64(c.cfg.MessageBufferSize)))
	}
	if c.stopping() {
		return transportErrorf("client is stopping")
	}
	c.lock.Lock()
	out := c.out
	c.lock.Unlock()
	if out == nil {
		return transportErrorf("not connected")
	}
	if err := out.WriteMessage(msg); err != nil {
		return transportErrorf("write: %s", err)
	}
	return nil
}

// WriteString sends one UTF-8 string message to the server
func (c *PipeClient) WriteString(s string) error {
	return c.Write([]byte(s))
}

// Stop cancels the loops, disposes the duplex pair, and waits briefly for
// the message loop to drain
func (c *PipeClient) Stop() error {
	st := c.state.get()
	if st != StateStarted && st != StateConnected && st != StateReconnecting {
		return configErrorf("cannot stop a %s client", st)
	}
	c.state.set(StateStopping)
	close(c.stopChan)

	c.lock.Lock()
	in, out, loopDone := c.in, c.out, c.loopDone
	c.lock.Unlock()
	if in != nil {
		in.Close()
	}
	if out != nil {
		out.Close()
	}
	if loopDone != nil {
		select {
		case <-loopDone:
			// loop already exited before Stop
		default:
			select {
			case <-c.gate:
			case <-time.After(clientStopDrainTimeout):
				c.WLogf("timed out draining message loop")
			}
		}
	}

	c.state.set(StateStopped)
	c.emit(Event{Kind: EventClientStopped})
	c.ILogf("stopped")
	return nil
}

// HandleOnceShutdown stops the endpoint if it is running and marks it
// disposed
func (c *PipeClient) HandleOnceShutdown(completionErr error) error {
	c.Stop()
	c.state.set(StateDisposed)
	return completionErr
}
