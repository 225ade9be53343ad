package plshare

// EventKind identifies a lifecycle notification raised by an endpoint
type EventKind int

const (
	// EventServerStarted is raised when the multiplexer finishes starting
	EventServerStarted EventKind = iota

	// EventServerStopped is raised when the multiplexer finishes stopping
	EventServerStopped

	// EventClientStarted is raised when a client endpoint finishes starting
	EventClientStarted

	// EventClientStopped is raised when a client endpoint finishes stopping
	EventClientStopped

	// EventClientConnected is raised by a server when a client's duplex
	// pair completes
	EventClientConnected

	// EventClientDisconnected is raised by a server or channel when a
	// client goes away
	EventClientDisconnected

	// EventServerConnected is raised by a client endpoint when its duplex
	// pair completes
	EventServerConnected

	// EventServerDisconnected is raised by a client endpoint when the
	// server goes away
	EventServerDisconnected

	// EventMessageLoopError is raised when a message loop hits an error: a
	// failed read or accept ends the loop, while an undecodable message, a
	// failed response write or a handler panic does not. The error never
	// propagates out of the loop
	EventMessageLoopError
)

var eventKindNames = [...]string{
	"server_started", "server_stopped", "client_started", "client_stopped",
	"client_connected", "client_disconnected", "server_connected",
	"server_disconnected", "message_loop_error",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return "unknown"
	}
	return eventKindNames[k]
}

// Event is one lifecycle notification. ConnID identifies the affected
// connection on multiplexer events; Err carries the failure on
// EventMessageLoopError.
type Event struct {
	Kind   EventKind
	ConnID int32
	Err    error
}

// MessageEvent is delivered to a MessageHandler for each received message.
// The handler may set Response to have the endpoint write a reply on the
// same connection before the next message is dispatched.
type MessageEvent struct {
	// ConnID identifies the connection the message arrived on.
	ConnID int32

	// Message is the received payload.
	Message []byte

	// Response, when set by the handler, is written back to the peer.
	Response []byte
}

// MessageHandler handles one received message. Handlers run synchronously
// on the connection's read loop, so response writes are ordered with
// respect to subsequent messages on the same connection.
type MessageHandler func(ev *MessageEvent)

// eventSink is the shared event-emission plumbing embedded by endpoints.
// The channel is buffered; when a consumer falls behind, the oldest
// notification is dropped in favor of the newest.
type eventSink struct {
	events chan Event
	log    Logger
}

const eventBacklog = 64

func (s *eventSink) initEventSink(log Logger) {
	s.events = make(chan Event, eventBacklog)
	s.log = log
}

// Events returns the endpoint's lifecycle notification stream
func (s *eventSink) Events() <-chan Event {
	return s.events
}

// emit delivers ev without ever blocking the caller
func (s *eventSink) emit(ev Event) {
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case old := <-s.events:
			s.log.DLogf("event backlog full; dropping %s", old.Kind)
		default:
		}
	}
}
