package metrics

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/channels"
	"github.com/tomnagengast/revurb-sub002/internal/connection"
)

type nullTransport struct{}

func (nullTransport) Write(frame []byte) error          { return nil }
func (nullTransport) Close(code int, reason string) error { return nil }

type fixture struct {
	app         *apps.Application
	manager     *channels.Manager
	connections *connection.Registry
	local       *Local
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry, err := apps.NewRegistry([]apps.Application{
		{ID: "app-1", Key: "key-1", Secret: "secret-1"},
	})
	require.NoError(t, err)
	app, err := registry.FindByID("app-1")
	require.NoError(t, err)

	manager := channels.NewManager(zerolog.Nop(), registry)
	connections := connection.NewRegistry(registry)
	return &fixture{
		app:         app,
		manager:     manager,
		connections: connections,
		local:       NewLocal(manager, connections),
	}
}

func (f *fixture) connect(t *testing.T) *connection.Conn {
	t.Helper()
	conn := connection.New(f.app, nullTransport{}, "")
	f.connections.Register(conn)
	return conn
}

func (f *fixture) subscribe(t *testing.T, conn *connection.Conn, channel string) {
	t.Helper()
	var auth, channelData string
	if channels.RequiresAuth(channel) {
		channelData = `{"user_id":"user-` + conn.ID() + `"}`
		auth = channels.SignChannel(f.app, conn.ID(), channel, channelData)
	}
	_, err := f.manager.Subscribe(f.app, conn, channel, auth, channelData)
	require.NoError(t, err)
}

func TestLocal_Connections(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	f.connect(t)

	data, err := f.local.Collect(f.app, TypeConnections, Options{})
	require.NoError(t, err)
	assert.Equal(t, ConnectionsPayload{Connections: 2}, data)
}

func TestLocal_ChannelListing(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	f.subscribe(t, conn, "orders")
	f.subscribe(t, conn, "alerts")

	data, err := f.local.Collect(f.app, TypeChannels, Options{})
	require.NoError(t, err)

	listing := data.(ChannelsPayload)
	assert.Len(t, listing.Channels, 2)
	assert.Contains(t, listing.Channels, "orders")
	assert.Contains(t, listing.Channels, "alerts")
}

func TestLocal_ChannelListingPrefixFilter(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	f.subscribe(t, conn, "orders")
	f.subscribe(t, conn, "presence-room")

	data, err := f.local.Collect(f.app, TypeChannels, Options{Prefix: "presence-"})
	require.NoError(t, err)

	listing := data.(ChannelsPayload)
	require.Len(t, listing.Channels, 1)
	assert.Contains(t, listing.Channels, "presence-room")
}

func TestLocal_ChannelListingInfoFields(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	f.subscribe(t, conn, "presence-room")

	data, err := f.local.Collect(f.app, TypeChannels, Options{
		Info: []string{InfoUserCount, InfoSubscriptionCount},
	})
	require.NoError(t, err)

	listing := data.(ChannelsPayload)
	info := listing.Channels["presence-room"]
	require.NotNil(t, info.UserCount)
	assert.Equal(t, 1, *info.UserCount)
	require.NotNil(t, info.SubscriptionCount)
	assert.Equal(t, 1, *info.SubscriptionCount)
	assert.Nil(t, info.Occupied)
}

func TestLocal_ChannelInfo(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	f.subscribe(t, conn, "orders")

	data, err := f.local.Collect(f.app, TypeChannel, Options{
		Channel: "orders",
		Info:    []string{InfoOccupied, InfoSubscriptionCount},
	})
	require.NoError(t, err)

	info := data.(ChannelInfo)
	require.NotNil(t, info.Occupied)
	assert.True(t, *info.Occupied)
	require.NotNil(t, info.SubscriptionCount)
	assert.Equal(t, 1, *info.SubscriptionCount)
}

func TestLocal_ChannelInfoAbsent(t *testing.T) {
	f := newFixture(t)

	data, err := f.local.Collect(f.app, TypeChannel, Options{
		Channel: "ghost",
		Info:    []string{InfoOccupied, InfoSubscriptionCount, InfoUserCount},
	})
	require.NoError(t, err)

	info := data.(ChannelInfo)
	require.NotNil(t, info.Occupied)
	assert.False(t, *info.Occupied)
	require.NotNil(t, info.SubscriptionCount)
	assert.Equal(t, 0, *info.SubscriptionCount)
	require.NotNil(t, info.UserCount)
	assert.Equal(t, 0, *info.UserCount)
}

func TestLocal_ChannelInfoCache(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	f.subscribe(t, conn, "cache-ticker")

	ch, ok := f.manager.Find(f.app, "cache-ticker")
	require.True(t, ok)
	ch.Broadcast([]byte(`{"event":"tick"}`), "")

	data, err := f.local.Collect(f.app, TypeChannel, Options{
		Channel: "cache-ticker",
		Info:    []string{InfoCache},
	})
	require.NoError(t, err)

	info := data.(ChannelInfo)
	require.NotNil(t, info.Cache)
	assert.Equal(t, `{"event":"tick"}`, *info.Cache)
}

func TestLocal_ChannelUsers(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, f.connect(t), "presence-room")
	f.subscribe(t, f.connect(t), "presence-room")

	data, err := f.local.Collect(f.app, TypeChannelUsers, Options{Channel: "presence-room"})
	require.NoError(t, err)

	users := data.(UsersPayload)
	assert.Len(t, users.Users, 2)
}

func TestLocal_ChannelUsersNonPresence(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, f.connect(t), "orders")

	data, err := f.local.Collect(f.app, TypeChannelUsers, Options{Channel: "orders"})
	require.NoError(t, err)
	assert.Equal(t, UsersPayload{Users: []string{}}, data)

	data, err = f.local.Collect(f.app, TypeChannelUsers, Options{Channel: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, UsersPayload{Users: []string{}}, data)
}

func TestLocal_UnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.local.Collect(f.app, "averages", Options{})
	assert.Error(t, err)
}

func TestInfoAllowed(t *testing.T) {
	assert.True(t, InfoAllowed(nil))
	assert.True(t, InfoAllowed([]string{InfoOccupied, InfoUserCount, InfoSubscriptionCount, InfoCache}))
	assert.False(t, InfoAllowed([]string{"secrets"}))
}

func TestMergeChannels(t *testing.T) {
	merged := MergeChannels([]json.RawMessage{
		[]byte(`{"channels":{"orders":{"subscription_count":2},"alerts":{"subscription_count":1}}}`),
		[]byte(`{"channels":{"orders":{"subscription_count":3}}}`),
	})

	require.Len(t, merged.Channels, 2)
	assert.Equal(t, 5, *merged.Channels["orders"].SubscriptionCount)
	assert.Equal(t, 1, *merged.Channels["alerts"].SubscriptionCount)
}

func TestMergeChannel(t *testing.T) {
	merged := MergeChannel([]json.RawMessage{
		[]byte(`{"occupied":false,"subscription_count":0,"user_count":1}`),
		[]byte(`{"occupied":true,"subscription_count":4,"user_count":2,"cache":"{\"event\":\"tick\"}"}`),
		[]byte(`{"cache":"{\"event\":\"late\"}"}`),
	})

	assert.True(t, *merged.Occupied)
	assert.Equal(t, 4, *merged.SubscriptionCount)
	assert.Equal(t, 3, *merged.UserCount)
	// The first cache answer wins.
	assert.Equal(t, `{"event":"tick"}`, *merged.Cache)
}

func TestMergeUsers_Dedupes(t *testing.T) {
	merged := MergeUsers([]json.RawMessage{
		[]byte(`{"users":["alice","bob"]}`),
		[]byte(`{"users":["bob","carol"]}`),
	})
	assert.Equal(t, []string{"alice", "bob", "carol"}, merged.Users)
}

func TestMergeConnections(t *testing.T) {
	merged := MergeConnections([]json.RawMessage{
		[]byte(`{"connections":2}`),
		[]byte(`{"connections":5}`),
		[]byte(`not json`),
	})
	assert.Equal(t, 7, merged.Connections)
}
