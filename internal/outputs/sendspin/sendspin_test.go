/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sendspin

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/outputs"
	"github.com/friendsincode/zonecast/internal/playback"
)

type testClient struct {
	conn *websocket.Conn
}

func connectClient(t *testing.T, srv *httptest.Server, clientID, name string) *testClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	hello := map[string]any{
		"type": "client/hello",
		"payload": map[string]any{
			"clientId":       clientID,
			"name":           name,
			"supportedRoles": []string{"player@v1"},
		},
	}
	require.NoError(t, conn.WriteJSON(hello))
	return &testClient{conn: conn}
}

func (tc *testClient) readJSON(t *testing.T) map[string]any {
	t.Helper()
	tc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := tc.conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func (tc *testClient) readBinary(t *testing.T) []byte {
	t.Helper()
	tc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		kind, data, err := tc.conn.ReadMessage()
		require.NoError(t, err)
		if kind == websocket.BinaryMessage {
			return data
		}
	}
}

func newTestHub(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	hub := NewServer("Test House", zerolog.Nop())
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, srv
}

func TestHelloHandshake(t *testing.T) {
	_, srv := newTestHub(t)
	tc := connectClient(t, srv, "c1", "Kitchen Player")

	msg := tc.readJSON(t)
	assert.Equal(t, "server/hello", msg["type"])
	payload := msg["payload"].(map[string]any)
	assert.Equal(t, "Test House", payload["name"])
}

func TestTimeSyncEcho(t *testing.T) {
	_, srv := newTestHub(t)
	tc := connectClient(t, srv, "c1", "Kitchen Player")
	tc.readJSON(t) // server/hello

	require.NoError(t, tc.conn.WriteJSON(map[string]any{
		"type":    "client/time",
		"payload": map[string]any{"client_transmitted": 12345},
	}))

	msg := tc.readJSON(t)
	require.Equal(t, "server/time", msg["type"])
	payload := msg["payload"].(map[string]any)
	assert.Equal(t, float64(12345), payload["client_transmitted"])
	assert.LessOrEqual(t, payload["server_received"], payload["server_transmitted"])
}

func TestBroadcastStampsAhead(t *testing.T) {
	hub, srv := newTestHub(t)
	hub.BindZone(3, "c1")
	tc := connectClient(t, srv, "c1", "Patio Player")
	tc.readJSON(t) // server/hello

	// Connection registration races with Broadcast; wait for it.
	require.Eventually(t, func() bool {
		return hub.boundClient(3) != nil
	}, time.Second, 5*time.Millisecond)

	pcm := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	before := hub.ClockMicros()
	require.NoError(t, hub.Broadcast(3, pcm))

	chunk := tc.readBinary(t)
	require.Equal(t, 1+8+len(pcm), len(chunk))
	assert.Equal(t, byte(audioChunkType), chunk[0])
	timestamp := int64(binary.BigEndian.Uint64(chunk[1:9]))
	assert.Greater(t, timestamp, before+400*1000, "stamped less than 400ms ahead")
	assert.Equal(t, pcm, chunk[9:])

	// The frame is also visible to sync consumers while still ahead.
	assert.Len(t, hub.FutureFrames(3, 100*time.Millisecond), 1)
	assert.Empty(t, hub.FutureFrames(3, time.Second))
}

func TestDuplicateClientRejected(t *testing.T) {
	_, srv := newTestHub(t)
	first := connectClient(t, srv, "c1", "Player A")
	first.readJSON(t)

	second := connectClient(t, srv, "c1", "Player B")
	second.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.conn.ReadMessage()
	assert.Error(t, err, "duplicate connection should be closed")
}

func TestClientStateTracked(t *testing.T) {
	hub, srv := newTestHub(t)
	hub.BindZone(5, "c1")
	tc := connectClient(t, srv, "c1", "Den Player")
	tc.readJSON(t)

	require.NoError(t, tc.conn.WriteJSON(map[string]any{
		"type": "client/state",
		"payload": map[string]any{
			"player": map[string]any{"state": "playing", "volume": 70, "muted": false},
		},
	}))

	require.Eventually(t, func() bool {
		for _, info := range hub.Clients() {
			if info.ID == "c1" && info.Volume == 70 && info.State == "playing" {
				return info.ZoneID == 5
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSetVolumeCommand(t *testing.T) {
	hub, srv := newTestHub(t)
	hub.BindZone(5, "c1")
	tc := connectClient(t, srv, "c1", "Den Player")
	tc.readJSON(t)
	require.Eventually(t, func() bool {
		return hub.boundClient(5) != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.SetVolume(5, 40))
	msg := tc.readJSON(t)
	assert.Equal(t, "server/command", msg["type"])
	player := msg["payload"].(map[string]any)["player"].(map[string]any)
	assert.Equal(t, float64(40), player["volume"])
}

func TestEnqueueAfterDisconnect(t *testing.T) {
	c := &clientConn{id: "c1", send: make(chan any, 4)}

	require.NoError(t, c.enqueue("before"))
	c.shutdown()
	c.shutdown() // second disconnect path is a no-op

	err := c.enqueue("after")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disconnected")
}

func TestEnqueueShutdownRace(t *testing.T) {
	c := &clientConn{id: "c1", send: make(chan any, sendQueueSize)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_ = c.enqueue(i)
		}
	}()
	c.shutdown()
	<-done
}

func TestFrameSchedulerWindow(t *testing.T) {
	fs := NewFrameScheduler()
	fs.Add(Frame{Timestamp: 100, Data: []byte("a")})
	fs.Add(Frame{Timestamp: 200, Data: []byte("b")})
	fs.Add(Frame{Timestamp: 300, Data: []byte("c")})

	future := fs.FutureFrames(150)
	require.Len(t, future, 2)
	assert.Equal(t, []byte("b"), future[0].Data)

	fs.PruneBefore(250)
	assert.Equal(t, 1, fs.Depth())
	assert.Nil(t, fs.FutureFrames(301))
}

// fakeHub records SyncServer calls for driver tests.
type fakeHub struct {
	bound    map[int]string
	volumes  map[int]int
	metadata map[int]playback.Metadata
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		bound:    make(map[int]string),
		volumes:  make(map[int]int),
		metadata: make(map[int]playback.Metadata),
	}
}

func (f *fakeHub) BindZone(zoneID int, clientID string) { f.bound[zoneID] = clientID }
func (f *fakeHub) UnbindZone(zoneID int)                { delete(f.bound, zoneID) }
func (f *fakeHub) StartStream(int, string, int, int, int) error {
	return nil
}
func (f *fakeHub) Broadcast(int, []byte) error { return nil }
func (f *fakeHub) PushMetadata(zoneID int, meta playback.Metadata) error {
	f.metadata[zoneID] = meta
	return nil
}
func (f *fakeHub) SetVolume(zoneID, level int) error {
	f.volumes[zoneID] = level
	return nil
}
func (f *fakeHub) ClockMicros() int64 { return 0 }

func TestDriverBindsAndForwards(t *testing.T) {
	hub := newFakeHub()
	d := NewDriver(config.ZoneDecl{
		ID:      2,
		Name:    "Deck",
		Driver:  "sendspin",
		Host:    "deck-player",
		Options: map[string]string{"client_id": "deck-01"},
	}, outputs.Deps{Sync: hub, Logger: zerolog.Nop()})

	assert.Equal(t, "deck-01", hub.bound[2])

	require.NoError(t, d.SetVolume(context.Background(), 55))
	assert.Equal(t, 55, hub.volumes[2])

	require.NoError(t, d.UpdateMetadata(context.Background(), playback.Metadata{Title: "Morning Mix"}))
	assert.Equal(t, "Morning Mix", hub.metadata[2].Title)

	d.Dispose()
	_, still := hub.bound[2]
	assert.False(t, still)
}
