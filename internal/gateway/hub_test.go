package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHandler records callbacks and binds any register payload's deviceId.
type stubHandler struct {
	mu            sync.Mutex
	registered    []string
	ready         []string
	heartbeats    []string
	disconnected  []string
	activities    []string
	blockedSites  []string
	registerError error
}

func (s *stubHandler) OnDeviceRegister(ctx context.Context, data json.RawMessage) (string, error) {
	if s.registerError != nil {
		return "", s.registerError
	}
	var payload struct {
		DeviceID string `json:"deviceId"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.registered = append(s.registered, payload.DeviceID)
	s.mu.Unlock()
	return payload.DeviceID, nil
}

func (s *stubHandler) OnDeviceReady(ctx context.Context, deviceID string) {
	s.mu.Lock()
	s.ready = append(s.ready, deviceID)
	s.mu.Unlock()
}

func (s *stubHandler) OnDeviceHeartbeat(ctx context.Context, deviceID string, data json.RawMessage) error {
	s.mu.Lock()
	s.heartbeats = append(s.heartbeats, deviceID)
	s.mu.Unlock()
	return nil
}

func (s *stubHandler) OnDeviceActivity(ctx context.Context, deviceID string, data json.RawMessage) error {
	s.mu.Lock()
	s.activities = append(s.activities, deviceID)
	s.mu.Unlock()
	return nil
}

func (s *stubHandler) OnBlockedSiteAttempt(ctx context.Context, deviceID string, data json.RawMessage) error {
	s.mu.Lock()
	s.blockedSites = append(s.blockedSites, deviceID)
	s.mu.Unlock()
	return nil
}

func (s *stubHandler) OnDeviceDisconnect(ctx context.Context, deviceID string) {
	s.mu.Lock()
	s.disconnected = append(s.disconnected, deviceID)
	s.mu.Unlock()
}

type handlerEvents struct {
	registered   []string
	ready        []string
	heartbeats   []string
	disconnected []string
	activities   []string
	blockedSites []string
}

func (s *stubHandler) snapshot() handlerEvents {
	s.mu.Lock()
	defer s.mu.Unlock()
	return handlerEvents{
		registered:   append([]string(nil), s.registered...),
		ready:        append([]string(nil), s.ready...),
		heartbeats:   append([]string(nil), s.heartbeats...),
		disconnected: append([]string(nil), s.disconnected...),
		activities:   append([]string(nil), s.activities...),
		blockedSites: append([]string(nil), s.blockedSites...),
	}
}

func TestDispatchRejectedRegistrationLeavesUnbound(t *testing.T) {
	handler := &stubHandler{registerError: context.DeadlineExceeded}
	hub := NewHub(handler)

	s := newSession(hub, nil, roleDevice)
	hub.dispatch(context.Background(), s, Envelope{
		Event: EventRegisterDevice,
		Data:  json.RawMessage(`{"deviceId":"tab-1"}`),
	})

	assert.False(t, hub.IsConnected("tab-1"))
	assert.Empty(t, handler.snapshot().ready)
}

func TestBindDeviceLastWriteWins(t *testing.T) {
	hub := NewHub(&stubHandler{})

	first := newSession(hub, nil, roleDevice)
	second := newSession(hub, nil, roleDevice)

	hub.bindDevice("tab-1", first)
	hub.bindDevice("tab-1", second)

	assert.True(t, hub.IsConnected("tab-1"))
	assert.Equal(t, []string{"tab-1"}, hub.ConnectedDevices())

	// The replaced session's send channel is closed
	_, open := <-first.send
	assert.False(t, open, "replaced session should be closed")
}

func TestDetachOnlyUnregistersCurrentSession(t *testing.T) {
	handler := &stubHandler{}
	hub := NewHub(handler)

	first := newSession(hub, nil, roleDevice)
	second := newSession(hub, nil, roleDevice)

	hub.bindDevice("tab-1", first)
	hub.bindDevice("tab-1", second)

	// The stale session going away must not unregister the live one
	hub.detach(first)
	assert.True(t, hub.IsConnected("tab-1"))
	assert.Empty(t, handler.snapshot().disconnected)

	hub.detach(second)
	assert.False(t, hub.IsConnected("tab-1"))
	assert.Equal(t, []string{"tab-1"}, handler.snapshot().disconnected)
}

func TestSendToDeviceDropsWhenAbsent(t *testing.T) {
	hub := NewHub(&stubHandler{})

	env, err := NewEnvelope(EventCommand, map[string]string{"type": "LOCK_SCREEN"})
	require.NoError(t, err)
	assert.False(t, hub.SendToDevice("ghost", env), "absent device drops the send")

	s := newSession(hub, nil, roleDevice)
	hub.bindDevice("tab-1", s)
	assert.True(t, hub.SendToDevice("tab-1", env))

	data := <-s.send
	var got Envelope
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, EventCommand, got.Event)
}

func TestBroadcastAdminsFansOut(t *testing.T) {
	hub := NewHub(&stubHandler{})

	a := newSession(hub, nil, roleAdmin)
	b := newSession(hub, nil, roleAdmin)
	hub.addAdmin(a)
	hub.addAdmin(b)

	env, err := NewEnvelope(EventDeviceUpdated, map[string]string{"deviceId": "tab-1"})
	require.NoError(t, err)
	hub.BroadcastAdmins(env)

	for _, s := range []*session{a, b} {
		select {
		case data := <-s.send:
			var got Envelope
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, EventDeviceUpdated, got.Event)
		default:
			t.Fatal("admin session did not receive broadcast")
		}
	}
}

func TestDispatchRoutesBoundEvents(t *testing.T) {
	handler := &stubHandler{}
	hub := NewHub(handler)
	ctx := context.Background()

	s := newSession(hub, nil, roleDevice)
	hub.dispatch(ctx, s, Envelope{Event: EventRegisterDevice, Data: json.RawMessage(`{"deviceId":"tab-1"}`)})

	got := handler.snapshot()
	assert.Equal(t, []string{"tab-1"}, got.registered)
	assert.Equal(t, []string{"tab-1"}, got.ready, "ready fires after binding")
	assert.True(t, hub.IsConnected("tab-1"))

	hub.dispatch(ctx, s, Envelope{Event: EventDeviceHeartbeat, Data: json.RawMessage(`{}`)})
	hub.dispatch(ctx, s, Envelope{Event: EventDeviceActivity, Data: json.RawMessage(`{}`)})
	hub.dispatch(ctx, s, Envelope{Event: EventBlockedSiteAttempt, Data: json.RawMessage(`{}`)})

	got = handler.snapshot()
	assert.Equal(t, []string{"tab-1"}, got.heartbeats)
	assert.Equal(t, []string{"tab-1"}, got.activities)
	assert.Equal(t, []string{"tab-1"}, got.blockedSites)
}

func TestDispatchIgnoresUnboundHeartbeat(t *testing.T) {
	handler := &stubHandler{}
	hub := NewHub(handler)

	s := newSession(hub, nil, roleDevice)
	hub.dispatch(context.Background(), s, Envelope{Event: EventDeviceHeartbeat, Data: json.RawMessage(`{}`)})

	assert.Empty(t, handler.snapshot().heartbeats)
}

func TestShutdownSuppressesDisconnects(t *testing.T) {
	handler := &stubHandler{}
	hub := NewHub(handler)

	s := newSession(hub, nil, roleDevice)
	hub.bindDevice("tab-1", s)

	hub.Shutdown(context.Background())
	assert.False(t, hub.IsConnected("tab-1"))
	assert.Empty(t, handler.snapshot().disconnected, "shutdown must not flap statuses")
}

func TestServeWSRegisterFlow(t *testing.T) {
	handler := &stubHandler{}
	hub := NewHub(handler)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()
	defer hub.Shutdown(context.Background())

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Envelope{
		Event: EventRegisterDevice,
		Data:  json.RawMessage(`{"deviceId":"tab-ws"}`),
	}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply Envelope
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, EventRegistered, reply.Event)

	require.Eventually(t, func() bool {
		return hub.IsConnected("tab-ws")
	}, 2*time.Second, 10*time.Millisecond)
}
