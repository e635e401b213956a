package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/piwi3910/trafficweave/internal/events"
	"github.com/piwi3910/trafficweave/internal/intersection"
	"github.com/piwi3910/trafficweave/internal/observability"
	"github.com/piwi3910/trafficweave/internal/server"
)

type streamFixture struct {
	hub     *server.Hub
	dash    *fakeDashboard
	metrics *observability.Metrics
	url     string
}

func newStreamFixture(t *testing.T, cfg server.HubConfig) *streamFixture {
	t.Helper()

	f := &streamFixture{
		dash:    &fakeDashboard{connected: true, intersections: twoIntersections()},
		metrics: observability.NewMetrics("stream_test", prometheus.NewRegistry()),
	}
	f.hub = server.NewHub(cfg, zaptest.NewLogger(t), f.metrics)
	f.hub.SetSnapshot(server.SnapshotEvents(f.dash))

	srv := newTestServer(t, f.dash, server.WithHub(f.hub))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		_ = f.hub.Close()
		ts.Close()
	})
	f.url = "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream"
	return f
}

func (f *streamFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) server.StreamMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg server.StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readSnapshot consumes the connection and list events sent on connect.
func readSnapshot(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	first := readMessage(t, conn)
	require.Equal(t, server.StreamTypeEvent, first.Type)
	require.Equal(t, events.EventConnectionChanged, first.Event.Type)
	second := readMessage(t, conn)
	require.Equal(t, events.EventIntersectionsReplaced, second.Event.Type)
}

func updated(name string, l1, l2 intersection.Color) *events.Event {
	return events.FromChange(intersection.Change{
		Type:         intersection.ChangeUpdated,
		Intersection: intersection.State{ID: "fc-" + name, Name: name, Light1: l1, Light2: l2},
	})
}

func TestHub_SnapshotOnConnect(t *testing.T) {
	f := newStreamFixture(t, server.HubConfig{})
	conn := f.dial(t)

	first := readMessage(t, conn)
	require.NotNil(t, first.Event)
	require.NotNil(t, first.Event.Connection)
	assert.True(t, first.Event.Connection.Connected)
	assert.Equal(t, "Cdash1", first.Event.Connection.Originator)

	second := readMessage(t, conn)
	require.NotNil(t, second.Event)
	assert.Equal(t, events.EventIntersectionsReplaced, second.Event.Type)
	assert.Len(t, second.Event.Intersections, 2)

	assert.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StreamClientsConnected))
}

func TestHub_Publish(t *testing.T) {
	f := newStreamFixture(t, server.HubConfig{})
	a := f.dial(t)
	b := f.dial(t)
	readSnapshot(t, a)
	readSnapshot(t, b)

	require.NoError(t, f.hub.Publish(context.Background(), updated("intersection1", intersection.ColorRed, intersection.ColorGreen)))

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		require.NotNil(t, msg.Event)
		assert.Equal(t, events.EventIntersectionUpdated, msg.Event.Type)
		assert.Equal(t, intersection.ColorGreen, msg.Event.Intersection.Light2)
	}
}

func TestHub_PublishRejectsInvalidEvent(t *testing.T) {
	hub := server.NewHub(server.HubConfig{}, zaptest.NewLogger(t), nil)

	assert.ErrorIs(t, hub.Publish(context.Background(), nil), events.ErrNilEvent)
}

func TestHub_PingPong(t *testing.T) {
	f := newStreamFixture(t, server.HubConfig{})
	conn := f.dial(t)
	readSnapshot(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": server.StreamTypePing, "id": "p1"}))

	msg := readMessage(t, conn)
	assert.Equal(t, server.StreamTypePong, msg.Type)
	assert.Equal(t, "p1", msg.ID)
}

func TestHub_SubscribeFilters(t *testing.T) {
	f := newStreamFixture(t, server.HubConfig{})
	conn := f.dial(t)
	readSnapshot(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    server.StreamTypeSubscribe,
		"id":      "s1",
		"payload": map[string]any{"types": []string{string(events.EventIntersectionDeleted)}},
	}))
	msg := readMessage(t, conn)
	require.Equal(t, server.StreamTypeResponse, msg.Type)
	assert.Equal(t, "s1", msg.ID)

	ctx := context.Background()
	require.NoError(t, f.hub.Publish(ctx, updated("intersection1", intersection.ColorRed, intersection.ColorRed)))
	require.NoError(t, f.hub.Publish(ctx, events.FromChange(intersection.Change{
		Type:         intersection.ChangeDeleted,
		Intersection: intersection.State{ID: "fc-1", Name: "intersection1"},
	})))

	msg = readMessage(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, events.EventIntersectionDeleted, msg.Event.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    server.StreamTypeUnsubscribe,
		"id":      "u1",
		"payload": map[string]any{"types": []string{string(events.EventIntersectionDeleted)}},
	}))
	msg = readMessage(t, conn)
	require.Equal(t, server.StreamTypeResponse, msg.Type)

	// An empty filter receives everything again.
	require.NoError(t, f.hub.Publish(ctx, updated("intersection2", intersection.ColorGreen, intersection.ColorRed)))
	msg = readMessage(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, events.EventIntersectionUpdated, msg.Event.Type)
}

func TestHub_InvalidMessages(t *testing.T) {
	f := newStreamFixture(t, server.HubConfig{})
	conn := f.dial(t)
	readSnapshot(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, server.StreamTypeError, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "teleport", "id": "x"}))
	msg := readMessage(t, conn)
	assert.Equal(t, server.StreamTypeError, msg.Type)
	assert.Equal(t, "x", msg.ID)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": server.StreamTypeSubscribe, "payload": map[string]any{}}))
	assert.Equal(t, server.StreamTypeError, readMessage(t, conn).Type)
}

func TestHub_ClientDisconnect(t *testing.T) {
	f := newStreamFixture(t, server.HubConfig{})
	conn := f.dial(t)
	readSnapshot(t, conn)
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	assert.Eventually(t, func() bool { return f.hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_Close(t *testing.T) {
	f := newStreamFixture(t, server.HubConfig{})
	conn := f.dial(t)
	readSnapshot(t, conn)

	require.NoError(t, f.hub.Close())
	assert.Equal(t, 0, f.hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())

	// New connections are refused once closed.
	late, resp, err := websocket.DefaultDialer.Dial(f.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestHub_CheckOrigin(t *testing.T) {
	f := newStreamFixture(t, server.HubConfig{AllowedOrigins: []string{"http://dashboard.local"}})

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"http://dashboard.local"}}
	conn, resp, err := websocket.DefaultDialer.Dial(f.url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()
	readSnapshot(t, conn)
}
