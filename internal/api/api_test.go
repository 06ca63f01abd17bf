package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/channels"
	"github.com/tomnagengast/revurb-sub002/internal/connection"
	"github.com/tomnagengast/revurb-sub002/internal/events"
	"github.com/tomnagengast/revurb-sub002/internal/metrics"
)

type apiTransport struct {
	mu     sync.Mutex
	frames [][]byte
}

var _ connection.Transport = (*apiTransport)(nil)

func (tr *apiTransport) Write(frame []byte) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.frames = append(tr.frames, append([]byte(nil), frame...))
	return nil
}

func (tr *apiTransport) Close(code int, reason string) error { return nil }

func (tr *apiTransport) frameCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.frames)
}

func (tr *apiTransport) lastFrame(t *testing.T) []byte {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.NotEmpty(t, tr.frames)
	return tr.frames[len(tr.frames)-1]
}

type apiFixture struct {
	app        *apps.Application
	router     *gin.Engine
	manager    *channels.Manager
	conns      *connection.Registry
	terminated []string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry, err := apps.NewRegistry([]apps.Application{{
		ID:              "app-1",
		Key:             "key-1",
		Secret:          "secret-1",
		PingInterval:    30,
		ActivityTimeout: 30,
		AllowedOrigins:  []string{"*"},
	}})
	require.NoError(t, err)
	app, err := registry.FindByID("app-1")
	require.NoError(t, err)

	conns := connection.NewRegistry(registry)
	manager := channels.NewManager(zerolog.Nop(), registry)
	local := metrics.NewLocal(manager, conns)

	f := &apiFixture{app: app, manager: manager, conns: conns}

	handler := NewHandler(zerolog.Nop(), Deps{
		Apps:        registry,
		Connections: conns,
		Channels:    manager,
		Dispatcher:  events.NewDispatcher(zerolog.Nop(), manager, nil),
		Local:       local,
		Gatherer:    metrics.NewGatherer(zerolog.Nop(), local, nil),
		TerminateLocal: func(app *apps.Application, userID string) int {
			f.terminated = append(f.terminated, userID)
			return 2
		},
		MaxRequestSize: 10_000,
	})

	router := gin.New()
	handler.Register(router)
	f.router = router
	return f
}

func (f *apiFixture) connect(t *testing.T) (*connection.Conn, *apiTransport) {
	t.Helper()
	transport := &apiTransport{}
	conn := connection.New(f.app, transport, "")
	f.conns.Register(conn)
	return conn, transport
}

func (f *apiFixture) subscribe(t *testing.T, conn *connection.Conn, channel string) {
	t.Helper()
	var auth string
	if channels.RequiresAuth(channel) {
		auth = channels.SignChannel(f.app, conn.ID(), channel, "")
	}
	_, err := f.manager.Subscribe(f.app, conn, channel, auth, "")
	require.NoError(t, err)
}

func (f *apiFixture) subscribePresence(t *testing.T, conn *connection.Conn, channel, userID string) {
	t.Helper()
	channelData := `{"user_id":"` + userID + `"}`
	auth := channels.SignChannel(f.app, conn.ID(), channel, channelData)
	_, err := f.manager.Subscribe(f.app, conn, channel, auth, channelData)
	require.NoError(t, err)
}

// do issues a correctly signed request against the control API.
func (f *apiFixture) do(t *testing.T, method, path string, params map[string]string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	query.Set("auth_signature", Sign(f.app.Secret, method, path, params, body))

	req := httptest.NewRequest(method, path+"?"+query.Encode(), bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeFrame(t *testing.T, frame []byte) (event, channel, data string) {
	t.Helper()
	var msg struct {
		Event   string `json:"event"`
		Channel string `json:"channel"`
		Data    string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &msg))
	return msg.Event, msg.Channel, msg.Data
}

func TestHandler_Up(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/up", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"health":"OK"}`, rec.Body.String())

	// The app-scoped alias answers without a signature too.
	req = httptest.NewRequest(http.MethodGet, "/apps/app-1/up", nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_PublishEvent(t *testing.T) {
	f := newAPIFixture(t)
	conn, transport := f.connect(t)
	f.subscribe(t, conn, "orders")

	body := []byte(`{"name":"order.created","channel":"orders","data":{"id":7}}`)
	rec := f.do(t, http.MethodPost, "/apps/app-1/events", nil, body)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())

	require.Equal(t, 1, transport.frameCount())
	event, channel, data := decodeFrame(t, transport.lastFrame(t))
	assert.Equal(t, "order.created", event)
	assert.Equal(t, "orders", channel)
	assert.JSONEq(t, `{"id":7}`, data)
}

func TestHandler_PublishEventExcludesSender(t *testing.T) {
	f := newAPIFixture(t)
	sender, senderTransport := f.connect(t)
	other, otherTransport := f.connect(t)
	f.subscribe(t, sender, "orders")
	f.subscribe(t, other, "orders")

	body := []byte(`{"name":"order.created","channel":"orders","data":"{}","socket_id":"` + sender.ID() + `"}`)
	rec := f.do(t, http.MethodPost, "/apps/app-1/events", nil, body)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, senderTransport.frameCount())
	assert.Equal(t, 1, otherTransport.frameCount())
}

func TestHandler_PublishEventAbsentChannel(t *testing.T) {
	f := newAPIFixture(t)

	body := []byte(`{"name":"order.created","channel":"nobody-home","data":"{}"}`)
	rec := f.do(t, http.MethodPost, "/apps/app-1/events", nil, body)

	require.Equal(t, http.StatusOK, rec.Code)
	_, found := f.manager.Find(f.app, "nobody-home")
	assert.False(t, found)
}

func TestHandler_PublishEventWithInfo(t *testing.T) {
	f := newAPIFixture(t)
	conn, _ := f.connect(t)
	f.subscribe(t, conn, "orders")

	body := []byte(`{"name":"order.created","channel":"orders","data":"{}","info":"subscription_count"}`)
	rec := f.do(t, http.MethodPost, "/apps/app-1/events", nil, body)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"channels":{"orders":{"subscription_count":1}}}`, rec.Body.String())
}

func TestHandler_PublishEventValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/apps/app-1/events", nil, []byte(`{}`))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp struct {
		Message string              `json:"message"`
		Errors  map[string][]string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "The given data was invalid.", resp.Message)
	assert.Contains(t, resp.Errors, "name")
	assert.Contains(t, resp.Errors, "channels")
	assert.Contains(t, resp.Errors, "data")
}

func TestHandler_PublishEventRejectsBadSocketID(t *testing.T) {
	f := newAPIFixture(t)

	body := []byte(`{"name":"e","channel":"orders","data":"{}","socket_id":"not-a-socket"}`)
	rec := f.do(t, http.MethodPost, "/apps/app-1/events", nil, body)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "socket_id")
}

func TestHandler_PublishEventBadJSON(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/apps/app-1/events", nil, []byte(`not json`))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "not valid JSON")
}

func TestHandler_RejectsBadSignature(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/apps/app-1/events?auth_signature=deadbeef", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_UnknownApplication(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/apps/ghost/channels", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_OversizeBody(t *testing.T) {
	f := newAPIFixture(t)

	body := bytes.Repeat([]byte("x"), 10_001)
	rec := f.do(t, http.MethodPost, "/apps/app-1/events", nil, body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandler_BatchPublish(t *testing.T) {
	f := newAPIFixture(t)
	conn, transport := f.connect(t)
	f.subscribe(t, conn, "orders")

	body := []byte(`{"batch":[
		{"name":"first","channel":"orders","data":"{}"},
		{"name":"second","channel":"orders","data":"{}","info":"subscription_count"}
	]}`)
	rec := f.do(t, http.MethodPost, "/apps/app-1/batch_events", nil, body)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"batch":[{},{"subscription_count":1}]}`, rec.Body.String())
	assert.Equal(t, 2, transport.frameCount())
}

func TestHandler_BatchValidationPrefixesFields(t *testing.T) {
	f := newAPIFixture(t)

	body := []byte(`{"batch":[
		{"name":"ok","channel":"orders","data":"{}"},
		{"channel":"orders","data":"{}"}
	]}`)
	rec := f.do(t, http.MethodPost, "/apps/app-1/batch_events", nil, body)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp struct {
		Errors map[string][]string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Errors, "batch.1.name")
	assert.NotContains(t, resp.Errors, "batch.0.name")
}

func TestHandler_BatchLimits(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/apps/app-1/batch_events", nil, []byte(`{"batch":[]}`))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "required")

	items := make([]string, 11)
	for i := range items {
		items[i] = `{"name":"e","channel":"orders","data":"{}"}`
	}
	body := []byte(`{"batch":[` + strings.Join(items, ",") + `]}`)
	rec = f.do(t, http.MethodPost, "/apps/app-1/batch_events", nil, body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "more than 10")
}

func TestHandler_ListChannels(t *testing.T) {
	f := newAPIFixture(t)
	first, _ := f.connect(t)
	second, _ := f.connect(t)
	f.subscribe(t, first, "orders")
	f.subscribePresence(t, second, "presence-room", "alice")

	rec := f.do(t, http.MethodGet, "/apps/app-1/channels", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"channels":{"orders":{},"presence-room":{}}}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/apps/app-1/channels", map[string]string{
		"filter_by_prefix": "presence-",
		"info":             "user_count",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"channels":{"presence-room":{"user_count":1}}}`, rec.Body.String())
}

func TestHandler_ListChannelsRejectsUnknownInfo(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/apps/app-1/channels", map[string]string{"info": "bogus"}, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandler_ListChannelsUserCountRequiresPresenceFilter(t *testing.T) {
	f := newAPIFixture(t)
	conn, _ := f.connect(t)
	f.subscribePresence(t, conn, "presence-room", "alice")

	rec := f.do(t, http.MethodGet, "/apps/app-1/channels", map[string]string{"info": "user_count"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/apps/app-1/channels", map[string]string{
		"filter_by_prefix": "private-",
		"info":             "user_count",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_ChannelInfo(t *testing.T) {
	f := newAPIFixture(t)
	conn, _ := f.connect(t)
	f.subscribe(t, conn, "orders")

	rec := f.do(t, http.MethodGet, "/apps/app-1/channels/orders", map[string]string{"info": "subscription_count"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"occupied":true,"subscription_count":1}`, rec.Body.String())
}

func TestHandler_ChannelInfoAbsent(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/apps/app-1/channels/ghost", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"occupied":false}`, rec.Body.String())
}

func TestHandler_ChannelInfoUserCountRequiresPresence(t *testing.T) {
	f := newAPIFixture(t)
	conn, _ := f.connect(t)
	f.subscribe(t, conn, "orders")

	rec := f.do(t, http.MethodGet, "/apps/app-1/channels/orders", map[string]string{"info": "user_count"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	member, _ := f.connect(t)
	f.subscribePresence(t, member, "presence-room", "alice")
	rec = f.do(t, http.MethodGet, "/apps/app-1/channels/presence-room", map[string]string{"info": "user_count"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"occupied":true,"user_count":1}`, rec.Body.String())
}

func TestHandler_ChannelUsers(t *testing.T) {
	f := newAPIFixture(t)
	first, _ := f.connect(t)
	second, _ := f.connect(t)
	f.subscribePresence(t, first, "presence-room", "alice")
	f.subscribePresence(t, second, "presence-room", "bob")

	rec := f.do(t, http.MethodGet, "/apps/app-1/channels/presence-room/users", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"users":[{"id":"alice"},{"id":"bob"}]}`, rec.Body.String())
}

func TestHandler_ChannelUsersRequiresPresence(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/apps/app-1/channels/orders/users", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Connections(t *testing.T) {
	f := newAPIFixture(t)
	f.connect(t)
	f.connect(t)
	f.connect(t)

	rec := f.do(t, http.MethodGet, "/apps/app-1/connections", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connections":3}`, rec.Body.String())
}

func TestHandler_TerminateUserConnections(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/apps/app-1/users/user-9/terminate_connections", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())
	assert.Equal(t, []string{"user-9"}, f.terminated)
}
