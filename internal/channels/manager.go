package channels

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/connection"
	"github.com/tomnagengast/revurb-sub002/internal/monitoring"
)

// Manager owns the live channels of every application. Subscribe, unsubscribe
// and reclamation serialize per application; lookups and broadcasts take only
// read locks, so fan-out on one channel never blocks traffic on another.
type Manager struct {
	logger  zerolog.Logger
	buckets map[string]*appChannels
}

type appChannels struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewManager builds one empty bucket per registered application.
func NewManager(logger zerolog.Logger, registry *apps.Registry) *Manager {
	buckets := make(map[string]*appChannels)
	for _, app := range registry.All() {
		buckets[app.ID] = &appChannels{channels: make(map[string]Channel)}
	}
	return &Manager{
		logger:  logger.With().Str("component", "channels").Logger(),
		buckets: buckets,
	}
}

func (m *Manager) bucket(appID string) *appChannels {
	return m.buckets[appID]
}

// Subscribe adds the connection to the named channel, creating the channel on
// first use. A freshly created channel only becomes visible once the
// subscription succeeded, so auth failures leave no empty channel behind.
func (m *Manager) Subscribe(app *apps.Application, conn *connection.Conn, name, auth, channelData string) (Channel, error) {
	bucket := m.bucket(app.ID)
	if bucket == nil {
		return nil, apps.ErrNotFound
	}

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	ch, exists := bucket.channels[name]
	if !exists {
		ch = New(app, name)
	}
	if err := ch.Subscribe(conn, auth, channelData); err != nil {
		return nil, err
	}
	if !exists {
		bucket.channels[name] = ch
		monitoring.IncrementChannelsCreated()
		m.logger.Debug().Str("app_id", app.ID).Str("channel", name).Msg("channel_created")
	}
	monitoring.IncrementSubscriptions(ch.Type())
	return ch, nil
}

// Unsubscribe removes the connection from the named channel and reclaims the
// channel once its last subscriber left.
func (m *Manager) Unsubscribe(app *apps.Application, conn *connection.Conn, name string) {
	bucket := m.bucket(app.ID)
	if bucket == nil {
		return
	}

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	ch, ok := bucket.channels[name]
	if !ok {
		return
	}
	ch.Unsubscribe(conn)
	if !ch.IsOccupied() {
		delete(bucket.channels, name)
		monitoring.IncrementChannelsRemoved()
		m.logger.Debug().Str("app_id", app.ID).Str("channel", name).Msg("channel_removed")
	}
}

// UnsubscribeFromAll detaches a closing connection from every channel it is
// subscribed to, reclaiming channels it empties.
func (m *Manager) UnsubscribeFromAll(app *apps.Application, conn *connection.Conn) {
	bucket := m.bucket(app.ID)
	if bucket == nil {
		return
	}

	socketID := conn.ID()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	for name, ch := range bucket.channels {
		if !ch.IsSubscribed(socketID) {
			continue
		}
		ch.Unsubscribe(conn)
		if !ch.IsOccupied() {
			delete(bucket.channels, name)
			monitoring.IncrementChannelsRemoved()
			m.logger.Debug().Str("app_id", app.ID).Str("channel", name).Msg("channel_removed")
		}
	}
}

// Find returns the named channel if it currently exists.
func (m *Manager) Find(app *apps.Application, name string) (Channel, bool) {
	bucket := m.bucket(app.ID)
	if bucket == nil {
		return nil, false
	}
	bucket.mu.RLock()
	defer bucket.mu.RUnlock()
	ch, ok := bucket.channels[name]
	return ch, ok
}

// Channels snapshots the application's live channels.
func (m *Manager) Channels(app *apps.Application) []Channel {
	bucket := m.bucket(app.ID)
	if bucket == nil {
		return nil
	}
	bucket.mu.RLock()
	defer bucket.mu.RUnlock()
	out := make([]Channel, 0, len(bucket.channels))
	for _, ch := range bucket.channels {
		out = append(out, ch)
	}
	return out
}
