package events

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/simorchestrator/model"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitSubscribers(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Subscribers() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestHubBroadcastsToAllClients(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	a := dial(t, srv)
	b := dial(t, srv)
	waitSubscribers(t, hub, 2)

	hub.Publish(Event{
		Type:       SimulationTerminal,
		Simulation: "sim-1",
		State:      model.SimStateTimeout.String(),
	})

	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var got Event
		require.NoError(t, conn.ReadJSON(&got))
		require.Equal(t, SimulationTerminal, got.Type)
		require.Equal(t, model.SimulationID("sim-1"), got.Simulation)
		require.Equal(t, "TIMEOUT", got.State)
		require.False(t, got.Time.IsZero())
	}
}

func TestHubDropsDisconnectedClients(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	waitSubscribers(t, hub, 1)
	require.NoError(t, conn.Close())
	waitSubscribers(t, hub, 0)

	hub.Publish(Event{Type: NodeLost, Node: "node-a"})
}

func TestHubCloseDisconnects(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	waitSubscribers(t, hub, 1)
	hub.Close()
	require.Equal(t, 0, hub.Subscribers())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}
