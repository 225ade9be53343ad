package plshare

// writeCache holds messages written to a named-pipe server channel before
// any client has connected. It is capped: once limit entries are pending,
// further writes fail rather than grow without bound.
type writeCache struct {
	limit   int
	entries [][]byte
}

func newWriteCache(limit int) *writeCache {
	if limit <= 0 {
		limit = DefaultWriteCacheLimit
	}
	return &writeCache{limit: limit}
}

// add queues one encoded message
func (wc *writeCache) add(b []byte) error {
	if len(wc.entries) >= wc.limit {
		return protocolErrorf("write cache is full (%d pending messages and no client connected)", wc.limit)
	}
	wc.entries = append(wc.entries, b)
	return nil
}

// drain removes and returns all queued messages in write order
func (wc *writeCache) drain() [][]byte {
	entries := wc.entries
	wc.entries = nil
	return entries
}

// pending returns the number of queued messages
func (wc *writeCache) pending() int {
	return len(wc.entries)
}
