package channels

import (
	"sync"

	"github.com/tomnagengast/revurb-sub002/internal/connection"
)

// cacheSlot retains the most recent broadcast frame. The store happens
// before the fan-out so a subscriber arriving mid-broadcast sees the event
// at least once, via replay or via delivery.
type cacheSlot struct {
	mu      sync.RWMutex
	payload []byte
}

func (s *cacheSlot) Store(frame []byte) {
	s.mu.Lock()
	s.payload = frame
	s.mu.Unlock()
}

func (s *cacheSlot) Load() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.payload == nil {
		return nil, false
	}
	return s.payload, true
}

// CacheChannel is a public channel that replays its last event to new
// subscribers.
type CacheChannel struct {
	channel
	slot cacheSlot
}

func (c *CacheChannel) Type() string { return TypeCache }

func (c *CacheChannel) Broadcast(frame []byte, exceptSocketID string) {
	c.slot.Store(frame)
	c.fanOut(frame, exceptSocketID)
}

func (c *CacheChannel) CachedPayload() ([]byte, bool) { return c.slot.Load() }

// PrivateCacheChannel combines signature gating with last-event replay.
type PrivateCacheChannel struct {
	CacheChannel
}

func (c *PrivateCacheChannel) Type() string { return TypePrivateCache }

func (c *PrivateCacheChannel) Subscribe(conn *connection.Conn, auth, channelData string) error {
	if err := VerifyAuth(c.app, conn.ID(), c.name, auth, channelData); err != nil {
		return err
	}
	return c.channel.Subscribe(conn, auth, channelData)
}

// PresenceCacheChannel combines presence bookkeeping with last-event replay.
type PresenceCacheChannel struct {
	PresenceChannel
	slot cacheSlot
}

func (c *PresenceCacheChannel) Type() string { return TypePresenceCache }

func (c *PresenceCacheChannel) Broadcast(frame []byte, exceptSocketID string) {
	c.slot.Store(frame)
	c.fanOut(frame, exceptSocketID)
}

func (c *PresenceCacheChannel) CachedPayload() ([]byte, bool) { return c.slot.Load() }
