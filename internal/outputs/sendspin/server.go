/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sendspin embeds a LAN audio-distribution server and the
// zone driver that feeds it. Clients connect over WebSocket, register
// with a clientId, and receive wall-clock-stamped PCM chunks so
// several players can render the same audio in sync.
package sendspin

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/playback"
)

const (
	// audioChunkType is the first byte of a binary frame: player
	// role, slot 0.
	audioChunkType = 4

	chunkDurationMs = 20
	// bufferAheadMicros stamps chunks half a second in the future so
	// clients can absorb network jitter.
	bufferAheadMicros = 500 * 1000

	sendQueueSize = 100
	writeDeadline = 10 * time.Second
)

// protocol message envelope.
type message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type clientHello struct {
	ClientID       string   `json:"clientId"`
	Name           string   `json:"name"`
	SupportedRoles []string `json:"supportedRoles"`
}

type clientTime struct {
	ClientTransmitted int64 `json:"client_transmitted"`
}

type serverTime struct {
	ClientTransmitted int64 `json:"client_transmitted"`
	ServerReceived    int64 `json:"server_received"`
	ServerTransmitted int64 `json:"server_transmitted"`
}

type clientState struct {
	Player *struct {
		State  string `json:"state"`
		Volume int    `json:"volume"`
		Muted  bool   `json:"muted"`
	} `json:"player"`
}

// ClientInfo is what the admin API reports per connected player.
type ClientInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Volume int    `json:"volume"`
	Muted  bool   `json:"muted"`
	ZoneID int    `json:"zone_id"`
}

type clientConn struct {
	id   string
	name string
	conn *websocket.Conn
	send chan any

	mu     sync.Mutex
	closed bool
	state  string
	volume int
	muted  bool
}

// Server is the in-process distribution hub. One instance serves all
// sendspin zones; the HTTP server mounts it at /sendspin.
type Server struct {
	serverID string
	name     string
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	clockStart time.Time

	mu         sync.RWMutex
	clients    map[string]*clientConn
	zones      map[int]string // zone -> clientId
	schedulers map[int]*FrameScheduler
}

// NewServer creates the hub.
func NewServer(name string, logger zerolog.Logger) *Server {
	return &Server{
		serverID: uuid.NewString(),
		name:     name,
		logger:   logger.With().Str("component", "sendspin").Logger(),
		upgrader: websocket.Upgrader{
			// LAN deployment, origins are not meaningful here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clockStart: time.Now(),
		clients:    make(map[string]*clientConn),
		zones:      make(map[int]string),
		schedulers: make(map[int]*FrameScheduler),
	}
}

// ClockMicros is the shared monotonic clock chunks are stamped with.
func (s *Server) ClockMicros() int64 {
	return time.Since(s.clockStart).Microseconds()
}

// BindZone maps a zone to the clientId that should render it.
func (s *Server) BindZone(zoneID int, clientID string) {
	s.mu.Lock()
	s.zones[zoneID] = clientID
	if _, ok := s.schedulers[zoneID]; !ok {
		s.schedulers[zoneID] = NewFrameScheduler()
	}
	s.mu.Unlock()
}

// UnbindZone releases the zone's client binding and its frame queue.
func (s *Server) UnbindZone(zoneID int) {
	s.mu.Lock()
	delete(s.zones, zoneID)
	delete(s.schedulers, zoneID)
	s.mu.Unlock()
}

// Scheduler exposes the zone's frame queue to sync-aware consumers.
func (s *Server) Scheduler(zoneID int) *FrameScheduler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schedulers[zoneID]
}

// FutureFrames returns stamped frames at least minFuture ahead of the
// server clock, for modules that schedule against the shared clock.
func (s *Server) FutureFrames(zoneID int, minFuture time.Duration) []Frame {
	sched := s.Scheduler(zoneID)
	if sched == nil {
		return nil
	}
	return sched.FutureFrames(s.ClockMicros() + minFuture.Microseconds())
}

func (s *Server) boundClient(zoneID int) *clientConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.zones[zoneID]
	if !ok {
		return nil
	}
	return s.clients[id]
}

// StartStream announces the audio format to the zone's client.
func (s *Server) StartStream(zoneID int, codec string, sampleRate, channels, bitDepth int) error {
	c := s.boundClient(zoneID)
	if c == nil {
		return fmt.Errorf("sendspin: no client connected for zone %d", zoneID)
	}
	return c.enqueue(map[string]any{
		"type": "stream/start",
		"payload": map[string]any{
			"player": map[string]any{
				"codec":       codec,
				"sample_rate": sampleRate,
				"channels":    channels,
				"bit_depth":   bitDepth,
			},
		},
	})
}

// Broadcast stamps a PCM chunk ahead of the clock, queues it for
// sync consumers and ships it to the zone's client.
func (s *Server) Broadcast(zoneID int, pcm []byte) error {
	timestamp := s.ClockMicros() + bufferAheadMicros
	if sched := s.Scheduler(zoneID); sched != nil {
		sched.Add(Frame{Timestamp: timestamp, Data: pcm})
		sched.PruneBefore(s.ClockMicros())
	}

	c := s.boundClient(zoneID)
	if c == nil {
		return nil
	}
	chunk := make([]byte, 1+8+len(pcm))
	chunk[0] = audioChunkType
	binary.BigEndian.PutUint64(chunk[1:9], uint64(timestamp))
	copy(chunk[9:], pcm)
	return c.enqueue(chunk)
}

// PushMetadata sends a server/state metadata update.
func (s *Server) PushMetadata(zoneID int, meta playback.Metadata) error {
	c := s.boundClient(zoneID)
	if c == nil {
		return nil
	}
	return c.enqueue(map[string]any{
		"type": "server/state",
		"payload": map[string]any{
			"metadata": map[string]any{
				"timestamp": s.ClockMicros(),
				"title":     meta.Title,
				"artist":    meta.Artist,
				"album":     meta.Album,
			},
		},
	})
}

// SetVolume commands the zone's client volume; the server stays
// authoritative.
func (s *Server) SetVolume(zoneID int, level int) error {
	c := s.boundClient(zoneID)
	if c == nil {
		return nil
	}
	return c.enqueue(map[string]any{
		"type": "server/command",
		"payload": map[string]any{
			"player": map[string]any{"volume": level},
		},
	})
}

// Clients lists connected players with their zone binding.
func (s *Server) Clients() []ClientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	zoneOf := make(map[string]int, len(s.zones))
	for zone, id := range s.zones {
		zoneOf[id] = zone
	}
	infos := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		c.mu.Lock()
		infos = append(infos, ClientInfo{
			ID:     c.id,
			Name:   c.name,
			State:  c.state,
			Volume: c.volume,
			Muted:  c.muted,
			ZoneID: zoneOf[c.id],
		})
		c.mu.Unlock()
	}
	return infos
}

// ServeHTTP upgrades and runs one client connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	hello, err := readHello(conn)
	if err != nil {
		s.logger.Warn().Err(err).Msg("client hello failed")
		return
	}

	c := &clientConn{
		id:     hello.ClientID,
		name:   hello.Name,
		conn:   conn,
		send:   make(chan any, sendQueueSize),
		state:  "synchronized",
		volume: 100,
	}

	s.mu.Lock()
	if _, dup := s.clients[c.id]; dup {
		s.mu.Unlock()
		s.logger.Warn().Str("client", c.id).Msg("duplicate clientId rejected")
		return
	}
	s.clients[c.id] = c
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		c.shutdown()
	}()

	s.logger.Info().Str("client", c.id).Str("name", c.name).Msg("player connected")

	_ = c.enqueue(map[string]any{
		"type": "server/hello",
		"payload": map[string]any{
			"server_id":    s.serverID,
			"name":         s.name,
			"version":      1,
			"active_roles": hello.SupportedRoles,
		},
	})

	go c.writer()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("client", c.id).Msg("player read error")
			}
			return
		}
		s.handle(c, data)
	}
}

func readHello(conn *websocket.Conn) (*clientHello, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type != "client/hello" {
		return nil, fmt.Errorf("expected client/hello, got %q", msg.Type)
	}
	var hello clientHello
	if err := json.Unmarshal(msg.Payload, &hello); err != nil {
		return nil, err
	}
	if hello.ClientID == "" || hello.Name == "" {
		return nil, fmt.Errorf("client/hello missing clientId or name")
	}
	return &hello, nil
}

func (s *Server) handle(c *clientConn, data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Type {
	case "client/time":
		received := s.ClockMicros()
		var ct clientTime
		if err := json.Unmarshal(msg.Payload, &ct); err != nil {
			return
		}
		_ = c.enqueue(map[string]any{
			"type": "server/time",
			"payload": serverTime{
				ClientTransmitted: ct.ClientTransmitted,
				ServerReceived:    received,
				ServerTransmitted: s.ClockMicros(),
			},
		})
	case "client/state":
		var st clientState
		if err := json.Unmarshal(msg.Payload, &st); err != nil || st.Player == nil {
			return
		}
		c.mu.Lock()
		c.state = st.Player.State
		c.volume = st.Player.Volume
		c.muted = st.Player.Muted
		c.mu.Unlock()
	case "client/goodbye":
		s.logger.Info().Str("client", c.id).Msg("player goodbye")
	}
}

// enqueue hands a message to the writer. The send happens under the
// mutex shutdown closes the channel under, so a caller holding a stale
// *clientConn cannot send into a closed channel.
func (c *clientConn) enqueue(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("sendspin: client %s disconnected", c.id)
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("sendspin: client %s send queue full", c.id)
	}
}

// shutdown closes the send channel exactly once and fences further
// enqueues.
func (c *clientConn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *clientConn) writer() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			switch v := msg.(type) {
			case []byte:
				if err := c.conn.WriteMessage(websocket.BinaryMessage, v); err != nil {
					return
				}
			default:
				if err := c.conn.WriteJSON(v); err != nil {
					return
				}
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}
