package plshare

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type testShutdowner struct {
	ShutdownHelper
	calls int32
}

func newTestShutdowner() *testShutdowner {
	s := &testShutdowner{}
	s.InitShutdownHelper(NilLogger(), s)
	return s
}

func (s *testShutdowner) HandleOnceShutdown(completionErr error) error {
	atomic.AddInt32(&s.calls, 1)
	return completionErr
}

func TestShutdownHandlerRunsOnce(t *testing.T) {
	s := newTestShutdowner()
	wantErr := errors.New("advisory")

	s.StartShutdown(wantErr)
	s.StartShutdown(errors.New("ignored"))
	if err := s.WaitShutdown(); err != wantErr {
		t.Errorf("WaitShutdown = %v, want %v", err, wantErr)
	}
	if n := atomic.LoadInt32(&s.calls); n != 1 {
		t.Errorf("handler ran %d times, want 1", n)
	}
	if !s.IsStartedShutdown() || !s.IsDoneShutdown() {
		t.Error("state flags not set after shutdown")
	}
}

func TestShutdownWaitsForChildren(t *testing.T) {
	parent := newTestShutdowner()
	child := newTestShutdowner()
	parent.AddShutdownChild(child)

	parent.StartShutdown(nil)
	select {
	case <-parent.ShutdownDoneChan():
		t.Fatal("parent completed before its child")
	case <-time.After(50 * time.Millisecond):
	}

	child.StartShutdown(nil)
	select {
	case <-parent.ShutdownDoneChan():
	case <-time.After(time.Second):
		t.Fatal("parent never completed after child shut down")
	}
}

func TestShutdownOnContext(t *testing.T) {
	s := newTestShutdowner()
	ctx, cancel := context.WithCancel(context.Background())
	s.ShutdownOnContext(ctx)
	cancel()

	if err := s.WaitShutdown(); err != context.Canceled {
		t.Errorf("WaitShutdown = %v, want context.Canceled", err)
	}
}
