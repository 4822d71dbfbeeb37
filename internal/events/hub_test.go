package events

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	a := dial(t, srv)
	b := dial(t, srv)
	waitClients(t, hub, 2)

	hub.Publish(Event{Type: JobSucceeded, JobID: "j1", Time: time.Now()})

	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var got Event
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, JobSucceeded, got.Type)
		assert.Equal(t, "j1", got.JobID)
	}
}

func TestHubRemovesDisconnectedClient(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	waitClients(t, hub, 1)

	conn.Close()
	waitClients(t, hub, 0)

	assert.NotPanics(t, func() { hub.Publish(Event{Type: JobFailed}) })
	hub.Close()
}

func TestRecorderAndMulti(t *testing.T) {
	var r1, r2 Recorder
	var calls int
	m := Multi{&r1, nil, &r2, ListenerFunc(func(Event) { calls++ })}

	m.Publish(Event{Type: JobStarted, JobID: "a"})
	m.Publish(Event{Type: JobStarted, JobID: "b"})
	m.Publish(Event{Type: JobFailed, JobID: "a"})

	assert.Len(t, r1.Events(), 3)
	assert.Equal(t, 2, r2.Count(JobStarted, ""))
	assert.Equal(t, 1, r2.Count(JobFailed, "a"))
	assert.Equal(t, 3, calls)
}
