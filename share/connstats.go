package plshare

import (
	"fmt"
	"sync/atomic"
)

// ConnStats keeps track of both currently open and total connection counts
// for an endpoint
type ConnStats struct {
	count int32
	open  int32
}

// New adds one to the total connection count and returns a connection
// sequence number
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open adds one to the current open connection count
func (c *ConnStats) Open() int32 {
	return atomic.AddInt32(&c.open, 1)
}

// Close subtracts one from the current open connection count
func (c *ConnStats) Close() int32 {
	return atomic.AddInt32(&c.open, -1)
}

// NumOpen returns the current open connection count
func (c *ConnStats) NumOpen() int32 {
	return atomic.LoadInt32(&c.open)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count))
}
