package plshare

import (
	"io"
	"sync"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/sammck-go/pipelink/pkg/pipenet"
)

// serverStopDrainTimeout bounds the wait for in-flight message loops to
// exit during Stop
const serverStopDrainTimeout = 1000 * time.Millisecond

// outHalfAcceptTimeout bounds the wait for a client's second pipe half
// after its first half connected
const outHalfAcceptTimeout = 2 * time.Second

// PipeServer multiplexes up to MaxClients concurrent clients, each owning
// a duplex pair of named pipes derived from the base pipe name. One
// pre-created listener pair is pending at any time; each completed pair
// runs its own message loop which dispatches to the handler and writes the
// handler's response back on the outbound half.
type PipeServer struct {
	ShutdownHelper
	eventSink

	cfg     *Config
	handler MessageHandler
	state   stateVar
	stats   ConnStats

	lIn  *pipenet.Listener
	lOut *pipenet.Listener

	// connLock guards conns, clientsConnected and acceptPending
	connLock         sync.Mutex
	conns            map[int32]*serverConn
	clientsConnected int
	acceptPending    bool

	// stopChan is the endpoint's cancellation token
	stopChan chan struct{}

	// gate is the shutdown semaphore released by the last message loop to
	// exit while stopping
	gate chan struct{}
}

// serverConn is one connected client's duplex pair
type serverConn struct {
	id  int32
	in  pipenet.Pipe
	out pipenet.Pipe
}

func (c *serverConn) dispose() {
	c.in.Close()
	c.out.Close()
}

// NewPipeServer creates a multiplexer server. handler receives every
// message from every client; it may set a response.
func NewPipeServer(cfg *Config, handler MessageHandler) *PipeServer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &PipeServer{
		cfg:     cfg,
		handler: handler,
	}
	s.InitShutdownHelper(cfg.logger("PipeServer("+cfg.PipeName+")"), s)
	s.initEventSink(s.Logger)
	return s
}

// State returns the endpoint's lifecycle state
func (s *PipeServer) State() EndpointState {
	return s.state.get()
}

// ClientsConnected returns the number of currently connected clients
func (s *PipeServer) ClientsConnected() int {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	return s.clientsConnected
}

// Start brings the server up: both listening pipe halves are created and
// one listener pair begins accepting. Start is idempotent once started and
// rejected while starting, stopping, or disposed.
func (s *PipeServer) Start() error {
	switch st := s.state.get(); st {
	case StateStarted:
		return nil
	case StateStarting, StateStopping, StateDisposed:
		return configErrorf("cannot start a %s server", st)
	}
	if s.cfg.PipeName == "" {
		return configErrorf("base pipe name is not set")
	}
	if !s.state.cas(StateIdle, StateStarting) && !s.state.cas(StateStopped, StateStarting) {
		return configErrorf("cannot start a %s server", s.state.get())
	}

	pcfg := s.cfg.pipeConfig()
	lIn, err := pipenet.Listen(pipenet.InPipeName(s.cfg.PipeName), pcfg)
	if err != nil {
		s.state.set(StateIdle)
		return osErrorf("%s", err)
	}
	lOut, err := pipenet.Listen(pipenet.OutPipeName(s.cfg.PipeName), pcfg)
	if err != nil {
		lIn.Close()
		s.state.set(StateIdle)
		return osErrorf("%s", err)
	}

	s.connLock.Lock()
	s.lIn = lIn
	s.lOut = lOut
	s.conns = make(map[int32]*serverConn)
	s.clientsConnected = 0
	s.acceptPending = false
	s.connLock.Unlock()
	s.stopChan = make(chan struct{})
	s.gate = make(chan struct{}, 1)

	s.spawnListener()
	s.state.set(StateStarted)
	s.emit(Event{Kind: EventServerStarted})
	s.ILogf("started on pipe %s", s.cfg.PipeName)
	return nil
}

// spawnListener arranges for exactly one pending accept pair
func (s *PipeServer) spawnListener() {
	s.connLock.Lock()
	if s.acceptPending || s.stopping() {
		s.connLock.Unlock()
		return
	}
	s.acceptPending = true
	s.connLock.Unlock()
	go s.acceptPair()
}

func (s *PipeServer) stopping() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

// acceptPair accepts one client on the inbound half, then waits a bounded
// time for the same client's outbound half. An outbound half that never
// arrives tears the record down as a transport failure.
func (s *PipeServer) acceptPair() {
	in, err := s.lIn.Accept()
	if err != nil {
		s.connLock.Lock()
		s.acceptPending = false
		s.connLock.Unlock()
		if !s.stopping() {
			s.emit(Event{Kind: EventMessageLoopError, Err: transportErrorf("accept on -IN: %s", err)})
		}
		return
	}

	s.lOut.SetDeadline(time.Now().Add(outHalfAcceptTimeout))
	out, err := s.lOut.Accept()
	s.lOut.SetDeadline(time.Time{})
	if err != nil {
		in.Close()
		s.connLock.Lock()
		s.acceptPending = false
		s.connLock.Unlock()
		if !s.stopping() {
			s.emit(Event{Kind: EventMessageLoopError, Err: transportErrorf("client never connected the -OUT half: %s", err)})
			s.spawnListener()
		}
		return
	}

	id := s.stats.New()
	conn := &serverConn{id: id, in: in, out: out}

	s.connLock.Lock()
	s.conns[id] = conn
	s.clientsConnected++
	s.acceptPending = false
	spawnNext := s.clientsConnected < s.maxClients()
	s.connLock.Unlock()

	s.stats.Open()
	s.ILogf("client %d connected %s", id, s.stats.String())
	s.emit(Event{Kind: EventClientConnected, ConnID: id})
	if spawnNext {
		s.spawnListener()
	}
	go s.readLoop(conn)
}

func (s *PipeServer) maxClients() int {
	if s.cfg.MaxClients <= 0 {
		return DefaultMaxClients
	}
	return s.cfg.MaxClients
}

// readLoop delivers one event per received message and writes any response
// the handler set. Loop failures are surfaced as EventMessageLoopError and
// never propagate.
func (s *PipeServer) readLoop(conn *serverConn) {
	defer s.handleDisconnect(conn)
	for {
		if s.stopping() {
			return
		}
		msg, err := conn.in.ReadMessage()
		if err != nil {
			if err != io.EOF && !s.stopping() {
				s.emit(Event{Kind: EventMessageLoopError, ConnID: conn.id, Err: transportErrorf("read: %s", err)})
			}
			return
		}
		s.dispatch(conn, msg)
	}
}

// dispatch runs the handler for one message; a handler panic is contained
// and surfaced like any other loop error
func (s *PipeServer) dispatch(conn *serverConn, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.emit(Event{Kind: EventMessageLoopError, ConnID: conn.id, Err: transportErrorf("handler panic: %v", r)})
		}
	}()
	s.TLogf("client %d sent %s", conn.id, sizestr.ToString(int64(len(msg))))
	if s.handler == nil {
		return
	}
	ev := &MessageEvent{ConnID: conn.id, Message: msg}
	s.handler(ev)
	if ev.Response != nil && !s.stopping() {
		if err := conn.out.WriteMessage(ev.Response); err != nil {
			s.emit(Event{Kind: EventMessageLoopError, ConnID: conn.id, Err: transportErrorf("response write: %s", err)})
		}
	}
}

// handleDisconnect performs the bookkeeping when a client's message loop
// exits
func (s *PipeServer) handleDisconnect(conn *serverConn) {
	stopping := s.stopping()
	s.connLock.Lock()
	s.clientsConnected--
	last := s.clientsConnected == 0
	if !stopping {
		delete(s.conns, conn.id)
	}
	s.connLock.Unlock()
	s.stats.Close()

	if !stopping {
		conn.dispose()
		s.ILogf("client %d disconnected %s", conn.id, s.stats.String())
		s.emit(Event{Kind: EventClientDisconnected, ConnID: conn.id})
		s.spawnListener()
	} else if last {
		s.releaseGate()
	}
}

// releaseGate releases the capacity-one shutdown semaphore
func (s *PipeServer) releaseGate() {
	select {
	case s.gate <- struct{}{}:
	default:
	}
}

// snapshot returns the currently connected records in no particular order
func (s *PipeServer) snapshot() []*serverConn {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// Broadcast writes one message to every currently connected client. The
// iteration is a snapshot: clients connecting mid-broadcast are not
// included, and delivery is not atomic across clients. The first failure
// is returned after all clients have been attempted.
func (s *PipeServer) Broadcast(msg []byte) error {
	return s.broadcast(msg, nil)
}

// BroadcastChan is Broadcast with cancellation: the write sequence stops
// when cancel is closed
func (s *PipeServer) BroadcastChan(msg []byte, cancel <-chan struct{}) error {
	return s.broadcast(msg, cancel)
}

func (s *PipeServer) broadcast(msg []byte, cancel <-chan struct{}) error {
	if len(msg) > s.cfg.MessageBufferSize {
		return protocolErrorf("message of %s exceeds buffer of %s",
			sizestr.ToString(int64(len(msg))), sizestr.ToString(int64(s.cfg.MessageBufferSize)))
	}
	var firstErr error
	for _, conn := range s.snapshot() {
		if s.stopping() {
			return transportErrorf("server is stopping")
		}
		if cancel != nil {
			select {
			case <-cancel:
				return transportErrorf("broadcast cancelled")
			default:
			}
		}
		if err := conn.out.WriteMessage(msg); err != nil {
			s.WLogf("broadcast to client %d failed: %s", conn.id, err)
			if firstErr == nil {
				firstErr = transportErrorf("broadcast to client %d: %s", conn.id, err)
			}
		}
	}
	return firstErr
}

// Send writes one message to one specific client
func (s *PipeServer) Send(connID int32, msg []byte) error {
	if len(msg) > s.cfg.MessageBufferSize {
		return protocolErrorf("message of %s exceeds buffer of %s",
			sizestr.ToString(int64(len(msg))), sizestr.ToString(int64(s.cfg.MessageBufferSize)))
	}
	if s.stopping() {
		return transportErrorf("server is stopping")
	}
	s.connLock.Lock()
	conn := s.conns[connID]
	s.connLock.Unlock()
	if conn == nil {
		return transportErrorf("no connected client %d", connID)
	}
	if err := conn.out.WriteMessage(msg); err != nil {
		return transportErrorf("send to client %d: %s", connID, err)
	}
	return nil
}

// Stop cancels all loops, disconnects every client (inbound half first),
// waits briefly for in-flight loops to drain, and retires the listeners.
func (s *PipeServer) Stop() error {
	if !s.state.cas(StateStarted, StateStopping) {
		return configErrorf("cannot stop a %s server", s.state.get())
	}
	close(s.stopChan)

	s.lIn.Close()
	s.lOut.Close()

	conns := s.snapshot()
	hadClients := len(conns) > 0
	for _, conn := range conns {
		conn.in.Close()
		for conn.in.IsConnected() {
			time.Sleep(time.Millisecond)
		}
		conn.out.Close()
	}
	if hadClients {
		select {
		case <-s.gate:
		case <-time.After(serverStopDrainTimeout):
			s.WLogf("timed out draining client message loops")
		}
	}

	s.connLock.Lock()
	s.conns = make(map[int32]*serverConn)
	s.connLock.Unlock()

	s.state.set(StateStopped)
	s.emit(Event{Kind: EventServerStopped})
	s.ILogf("stopped")
	return nil
}

// HandleOnceShutdown stops the server if it is running and marks it
// disposed
func (s *PipeServer) HandleOnceShutdown(completionErr error) error {
	s.Stop()
	s.state.set(StateDisposed)
	return completionErr
}
