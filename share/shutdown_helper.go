package plshare

import (
	"context"
	"sync"
)

// OnceShutdownHandler is an interface that must be implemented by the object
// managed by ShutdownHelper
type OnceShutdownHandler interface {
	// HandleOnceShutdown will be called exactly once, in its own goroutine.
	// It should take completionError as an advisory completion value, actually
	// shut down, then return the real completion value.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is an interface implemented by objects that provide
// asynchronous shutdown capability.
type AsyncShutdowner interface {
	// StartShutdown schedules asynchronous shutdown of the object. If the
	// object has already been scheduled for shutdown, it has no effect.
	// completionErr is an advisory error (or nil) to use as the completion
	// status from WaitShutdown().
	StartShutdown(completionErr error)

	// ShutdownDoneChan returns a chan that is closed after shutdown is
	// complete.
	ShutdownDoneChan() <-chan struct{}

	// IsDoneShutdown returns true once the object is completely shut down.
	IsDoneShutdown() bool

	// WaitShutdown blocks until the object is completely shut down, and
	// returns the final completion status
	WaitShutdown() error
}

// ShutdownHelper is a base that manages clean asynchronous object shutdown
// for an object that implements OnceShutdownHandler
type ShutdownHelper struct {
	// Logger is the Logger that will be used for log output from this helper
	Logger

	// Lock is a general-purpose fine-grained mutex for this helper; it may be
	// used as a general-purpose lock by derived objects as well
	Lock sync.Mutex

	// shutdownHandler is called exactly once to perform synchronous shutdown
	shutdownHandler OnceShutdownHandler

	// isStartedShutdown is set to true when we begin shutting down
	isStartedShutdown bool

	// isDoneShutdown is set to true when shutdown is completely done
	isDoneShutdown bool

	// shutdownErr contains the final completion status after isDoneShutdown
	shutdownErr error

	// shutdownStartedChan is closed when shutdown is started
	shutdownStartedChan chan struct{}

	// shutdownDoneChan is closed when shutdown is completely done
	shutdownDoneChan chan struct{}

	// wg is waited on after the shutdown handler returns, before shutdown is
	// considered complete. It is incremented for each child we must drain.
	wg sync.WaitGroup
}

// InitShutdownHelper initializes a new ShutdownHelper in place
func (h *ShutdownHelper) InitShutdownHelper(
	logger Logger,
	shutdownHandler OnceShutdownHandler,
) {
	if logger == nil {
		logger = NilLogger()
	}
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

// StartShutdown schedules asynchronous shutdown of the object. If the
// object has already been scheduled for shutdown, it has no effect.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	h.Lock.Lock()
	doShutdownNow := !h.isStartedShutdown
	if doShutdownNow {
		h.isStartedShutdown = true
		h.shutdownErr = completionErr
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.DLogf("->shutdownStarted")
		close(h.shutdownStartedChan)
		go func() {
			h.shutdownErr = h.shutdownHandler.HandleOnceShutdown(h.shutdownErr)
			h.wg.Wait()
			h.Lock.Lock()
			h.isDoneShutdown = true
			h.Lock.Unlock()
			h.DLogf("->shutdownDone")
			close(h.shutdownDoneChan)
		}()
	}
}

// Shutdown performs a synchronous shutdown, returning the final completion
// status
func (h *ShutdownHelper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// Close is a default implementation of Close(), which simply shuts down
// with a nil advisory completion status and returns the final status
func (h *ShutdownHelper) Close() error {
	return h.Shutdown(nil)
}

// WaitShutdown blocks until shutdown is complete, then returns the final
// completion status. It does not initiate shutdown itself.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.shutdownDoneChan
	return h.shutdownErr
}

// IsStartedShutdown returns true if shutdown has begun. It continues to
// return true after shutdown is complete
func (h *ShutdownHelper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isStartedShutdown
}

// IsDoneShutdown returns true if shutdown is complete.
func (h *ShutdownHelper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isDoneShutdown
}

// ShutdownStartedChan returns a channel that is closed as soon as shutdown
// is initiated
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownDoneChan returns a channel that is closed after shutdown is done
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// ShutdownWG returns a sync.WaitGroup that you can call Add() on to
// defer final completion of shutdown until the specified number of calls
// to ShutdownWG().Done() are made
func (h *ShutdownHelper) ShutdownWG() *sync.WaitGroup {
	return &h.wg
}

// AddShutdownChild registers a child object whose complete shutdown is a
// precondition of this object's complete shutdown
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		<-child.ShutdownDoneChan()
		h.wg.Done()
	}()
}

// ShutdownOnContext begins background monitoring of a context.Context, and
// will begin asynchronously shutting down this helper with the context's
// error if the context is completed. This method does not block; it just
// constrains the lifetime of this object to a context.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}
