package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheChannel_EmptyBeforeFirstBroadcast(t *testing.T) {
	ch := New(channelApp(), "cache-ticker")

	holder := ch.(CacheHolder)
	payload, ok := holder.CachedPayload()
	assert.False(t, ok)
	assert.Nil(t, payload)
}

func TestCacheChannel_CapturesLastBroadcast(t *testing.T) {
	app := channelApp()
	ch := New(app, "cache-ticker")

	conn, transport := newTestConn(app)
	require.NoError(t, ch.Subscribe(conn, "", ""))

	first := []byte(`{"event":"tick","channel":"cache-ticker","data":"{\"seq\":1}"}`)
	second := []byte(`{"event":"tick","channel":"cache-ticker","data":"{\"seq\":2}"}`)
	ch.Broadcast(first, "")
	ch.Broadcast(second, "")

	// Subscribers got both, the slot holds only the newest.
	assert.Len(t, transport.frames, 2)

	holder := ch.(CacheHolder)
	payload, ok := holder.CachedPayload()
	require.True(t, ok)
	assert.Equal(t, second, payload)
}

func TestCacheChannel_CachesEvenWhenEmpty(t *testing.T) {
	ch := New(channelApp(), "cache-ticker")

	frame := []byte(`{"event":"tick","channel":"cache-ticker"}`)
	ch.Broadcast(frame, "")

	holder := ch.(CacheHolder)
	payload, ok := holder.CachedPayload()
	require.True(t, ok)
	assert.Equal(t, frame, payload)
}

func TestPrivateCacheChannel_RequiresAuth(t *testing.T) {
	app := channelApp()
	ch := New(app, "private-cache-ticker")
	conn, _ := newTestConn(app)

	assert.Error(t, ch.Subscribe(conn, "key-1:bogus", ""))

	auth := SignChannel(app, conn.ID(), "private-cache-ticker", "")
	require.NoError(t, ch.Subscribe(conn, auth, ""))
	assert.True(t, ch.IsSubscribed(conn.ID()))
}

func TestPresenceCacheChannel_CombinesBothBehaviors(t *testing.T) {
	app := channelApp()
	ch := New(app, "presence-cache-room")

	_, aliceTransport := subscribeMember(t, ch, app, "alice")
	subscribeMember(t, ch, app, "bob")

	frame := []byte(`{"event":"state","channel":"presence-cache-room","data":"{}"}`)
	ch.Broadcast(frame, "")

	// Presence gossip reached the first member, broadcast reached both.
	msgs := aliceTransport.messages(t)
	require.Len(t, msgs, 2)

	holder := ch.(CacheHolder)
	payload, ok := holder.CachedPayload()
	require.True(t, ok)
	assert.Equal(t, frame, payload)

	presence := ch.(PresenceHolder)
	assert.Equal(t, []string{"alice", "bob"}, presence.Users())
}
