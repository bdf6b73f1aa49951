package service

import (
	"sync"
	"time"
)

// channelLock serializes writes to one channel and caches the tail of its
// log so sequence assignment does not need a query per message.
type channelLock struct {
	mu      sync.Mutex
	loaded  bool
	lastSeq int64
	lastAt  time.Time
}

// invalidate forces the next writer to reload the tail from storage, used
// after a failed insert (for example a seq collision with another node).
func (l *channelLock) invalidate() {
	l.loaded = false
}

type channelLocks struct {
	mu    sync.Mutex
	locks map[string]*channelLock
}

func newChannelLocks() *channelLocks {
	return &channelLocks{locks: make(map[string]*channelLock)}
}

// lock acquires the channel's lock. Writes to different channels never
// contend.
func (c *channelLocks) lock(channelID string) *channelLock {
	c.mu.Lock()
	l, ok := c.locks[channelID]
	if !ok {
		l = &channelLock{}
		c.locks[channelID] = l
	}
	c.mu.Unlock()

	l.mu.Lock()
	return l
}

func (l *channelLock) unlock() {
	l.mu.Unlock()
}
