// Package channels implements the polymorphic channel family: public,
// private, presence, the cache compositions, and encrypted-private. Variant
// behavior hangs off a shared subscriber set; the variant is picked once, by
// name prefix, at creation time.
package channels

import (
	"strings"
	"sync"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/connection"
)

// Channel type tags, also used as metric labels.
const (
	TypePublic           = "public"
	TypePrivate          = "private"
	TypePresence         = "presence"
	TypeCache            = "cache"
	TypePrivateCache     = "private-cache"
	TypePresenceCache    = "presence-cache"
	TypeEncryptedPrivate = "private-encrypted"
)

// Channel is one named multicast group within a tenant.
type Channel interface {
	App() *apps.Application
	Name() string
	Type() string

	// Subscribe runs the variant's admission checks and adds the
	// connection. Presence variants gossip member_added to the existing
	// subscribers.
	Subscribe(conn *connection.Conn, auth, channelData string) error

	// Unsubscribe removes the connection if present. Presence variants
	// gossip member_removed when the last connection of a user leaves.
	Unsubscribe(conn *connection.Conn)

	// Broadcast delivers one externally produced frame to every subscriber
	// except the given socket id. Cache variants capture the frame first.
	Broadcast(frame []byte, exceptSocketID string)

	// SubscriptionData is the data object of subscription_succeeded.
	SubscriptionData() any

	Connections() []*Subscriber
	IsSubscribed(socketID string) bool
	SubscriptionCount() int
	IsOccupied() bool
}

// CacheHolder is implemented by the cache variants.
type CacheHolder interface {
	CachedPayload() ([]byte, bool)
}

// PresenceHolder is implemented by the presence variants.
type PresenceHolder interface {
	Users() []string
	UserCount() int
}

// Subscriber is the per-(connection, channel) pair. Member carries the
// channel-scoped presence data and is nil outside presence variants.
type Subscriber struct {
	Conn   *connection.Conn
	Member *MemberData
}

// New creates the variant matching the channel name. Longer prefixes are
// checked first so compositions win over their parts.
func New(app *apps.Application, name string) Channel {
	switch {
	case strings.HasPrefix(name, "private-encrypted-"):
		return &EncryptedPrivateChannel{PrivateChannel{channel: newBase(app, name)}}
	case strings.HasPrefix(name, "private-cache-"):
		return &PrivateCacheChannel{CacheChannel{channel: newBase(app, name)}}
	case strings.HasPrefix(name, "presence-cache-"):
		return &PresenceCacheChannel{PresenceChannel: newPresence(app, name)}
	case strings.HasPrefix(name, "cache-"):
		return &CacheChannel{channel: newBase(app, name)}
	case strings.HasPrefix(name, "private-"):
		return &PrivateChannel{channel: newBase(app, name)}
	case strings.HasPrefix(name, "presence-"):
		presence := newPresence(app, name)
		return &presence
	default:
		return &PublicChannel{channel: newBase(app, name)}
	}
}

func newBase(app *apps.Application, name string) channel {
	return channel{app: app, name: name, subscribers: make(map[string]*Subscriber)}
}

// RequiresAuth reports whether subscribing to the named channel demands a
// signature. Exactly the private- and presence- families, which also bound
// where client events may flow.
func RequiresAuth(name string) bool {
	return strings.HasPrefix(name, "private-") || strings.HasPrefix(name, "presence-")
}

// channel is the shared subscriber set under every variant.
type channel struct {
	app  *apps.Application
	name string

	mu          sync.RWMutex
	subscribers map[string]*Subscriber // socket_id → subscriber
}

func (c *channel) App() *apps.Application { return c.app }

func (c *channel) Name() string { return c.name }

// Subscribe without admission checks; the public variant's contract.
func (c *channel) Subscribe(conn *connection.Conn, auth, channelData string) error {
	c.add(&Subscriber{Conn: conn})
	return nil
}

func (c *channel) Unsubscribe(conn *connection.Conn) {
	c.mu.Lock()
	delete(c.subscribers, conn.ID())
	c.mu.Unlock()
}

// Broadcast without capture; cache variants override this.
func (c *channel) Broadcast(frame []byte, exceptSocketID string) {
	c.fanOut(frame, exceptSocketID)
}

func (c *channel) SubscriptionData() any {
	return map[string]any{}
}

func (c *channel) Connections() []*Subscriber {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Subscriber, 0, len(c.subscribers))
	for _, sub := range c.subscribers {
		out = append(out, sub)
	}
	return out
}

func (c *channel) IsSubscribed(socketID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscribers[socketID]
	return ok
}

func (c *channel) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers)
}

func (c *channel) IsOccupied() bool {
	return c.SubscriptionCount() > 0
}

func (c *channel) add(sub *Subscriber) {
	c.mu.Lock()
	c.subscribers[sub.Conn.ID()] = sub
	c.mu.Unlock()
}

// fanOut delivers one frame to a snapshot of the subscriber set. Sends are
// best-effort: a closed or slow subscriber never blocks the rest, and its
// cleanup belongs to the connection's own teardown path.
func (c *channel) fanOut(frame []byte, exceptSocketID string) {
	c.mu.RLock()
	targets := make([]*connection.Conn, 0, len(c.subscribers))
	for socketID, sub := range c.subscribers {
		if exceptSocketID != "" && socketID == exceptSocketID {
			continue
		}
		targets = append(targets, sub.Conn)
	}
	c.mu.RUnlock()

	for _, conn := range targets {
		_ = conn.Send(frame)
	}
}

// PublicChannel is the unauthenticated variant.
type PublicChannel struct {
	channel
}

func (c *PublicChannel) Type() string { return TypePublic }
