package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"luna-gateway/internal/bus"
)

func TestHub_BroadcastsToConnectedClient(t *testing.T) {
	hub := NewHub(testLogger())
	go hub.Run()

	server := httptest.NewServer(http.HandlerFunc(hub.Serve))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the hub a moment to register the client before broadcasting.
	time.Sleep(50 * time.Millisecond)

	hub.Broadcast(bus.EventMessage{Type: "location", IMEI: "123456789012345"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), `"imei":"123456789012345"`)
	require.Contains(t, string(data), `"type":"location"`)
}
