package plshare

import "sync/atomic"

// EndpointState tracks the lifecycle of a multiplexer server or client
// endpoint
type EndpointState int32

const (
	// StateIdle is the state before the first Start
	StateIdle EndpointState = iota

	// StateStarting is transient while Start is in progress
	StateStarting

	// StateStarted means a server is accepting
	StateStarted

	// StateConnected means a client endpoint has a live duplex pair
	StateConnected

	// StateReconnecting means a client endpoint lost its connection and is
	// polling for the server
	StateReconnecting

	// StateStopping is transient while Stop is in progress
	StateStopping

	// StateStopped is the state after a completed Stop; Start is permitted
	// again
	StateStopped

	// StateDisposed is terminal
	StateDisposed
)

var endpointStateNames = [...]string{
	"idle", "starting", "started", "connected", "reconnecting",
	"stopping", "stopped", "disposed",
}

func (s EndpointState) String() string {
	if s < 0 || int(s) >= len(endpointStateNames) {
		return "unknown"
	}
	return endpointStateNames[s]
}

// stateVar is an atomically updated EndpointState
type stateVar struct {
	v int32
}

func (s *stateVar) get() EndpointState {
	return EndpointState(atomic.LoadInt32(&s.v))
}

func (s *stateVar) set(state EndpointState) {
	atomic.StoreInt32(&s.v, int32(state))
}

// cas transitions from one state to another atomically
func (s *stateVar) cas(from EndpointState, to EndpointState) bool {
	return atomic.CompareAndSwapInt32(&s.v, int32(from), int32(to))
}
