/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package slim runs the slave-player control channel. Local player
// subprocesses (squeezelite and compatibles) connect over TCP and are
// told what to fetch from the stream gateway; the wire format is the
// classic slim protocol.
package slim

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Stream format bytes used in strm frames.
const (
	FormatMP3 = 'm'
	FormatPCM = 'p'
)

// PlayerInfo describes one connected player subprocess.
type PlayerInfo struct {
	ID          string `json:"id"` // MAC, the protocol's player identity
	Model       string `json:"model"`
	ConnectedAt string `json:"connected_at"`
}

type player struct {
	id          string
	model       string
	conn        net.Conn
	connectedAt time.Time

	writeMu sync.Mutex
}

// Server accepts player connections and exposes per-player control.
type Server struct {
	addr   string
	logger zerolog.Logger

	mu      sync.RWMutex
	ln      net.Listener
	players map[string]*player
}

// NewServer builds the control server for the given listen address,
// typically ":3483".
func NewServer(addr string, logger zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		logger:  logger.With().Str("component", "slim").Logger(),
		players: make(map[string]*player),
	}
}

// Listen binds the control port and serves until Close.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("slim listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("player control channel listening")

	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listen address, empty before Listen.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops accepting and drops all players.
func (s *Server) Close() {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	players := s.players
	s.players = make(map[string]*player)
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, p := range players {
		p.conn.Close()
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

// serveConn handles one player: a HELO frame registers it, then the
// connection idles as the command channel (player chatter like STAT
// frames is consumed and dropped).
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	op, payload, err := readFrame(conn)
	if err != nil || op != "HELO" || len(payload) < 8 {
		s.logger.Warn().Err(err).Str("op", op).Msg("player handshake failed")
		return
	}

	p := &player{
		id:          macString(payload[2:8]),
		model:       deviceModel(payload[0]),
		conn:        conn,
		connectedAt: time.Now(),
	}

	s.mu.Lock()
	if old, dup := s.players[p.id]; dup {
		old.conn.Close()
	}
	s.players[p.id] = p
	s.mu.Unlock()
	s.logger.Info().Str("player", p.id).Str("model", p.model).Msg("player connected")

	defer func() {
		s.mu.Lock()
		if s.players[p.id] == p {
			delete(s.players, p.id)
		}
		s.mu.Unlock()
		s.logger.Info().Str("player", p.id).Msg("player disconnected")
	}()

	for {
		if _, _, err := readFrame(conn); err != nil {
			return
		}
	}
}

// Players lists connected subprocesses, sorted by id.
func (s *Server) Players() []PlayerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]PlayerInfo, 0, len(s.players))
	for _, p := range s.players {
		infos = append(infos, PlayerInfo{
			ID:          p.id,
			Model:       p.model,
			ConnectedAt: p.connectedAt.Format(time.RFC3339),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Connected reports whether the player id has a live channel.
func (s *Server) Connected(playerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.players[playerID]
	return ok
}

func (s *Server) playerByID(playerID string) (*player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.players[playerID]
	if !ok {
		return nil, fmt.Errorf("slim: player %s not connected", playerID)
	}
	return p, nil
}

// StartStream tells the player to fetch and play the gateway path.
func (s *Server) StartStream(playerID, httpPath string, format byte) error {
	p, err := s.playerByID(playerID)
	if err != nil {
		return err
	}
	request := "GET " + httpPath + " HTTP/1.0\r\n\r\n"
	return p.send("strm", strmPayload('s', format, request))
}

// Pause halts playback keeping the stream open.
func (s *Server) Pause(playerID string) error {
	p, err := s.playerByID(playerID)
	if err != nil {
		return err
	}
	return p.send("strm", strmPayload('p', '?', ""))
}

// Unpause resumes a paused player.
func (s *Server) Unpause(playerID string) error {
	p, err := s.playerByID(playerID)
	if err != nil {
		return err
	}
	return p.send("strm", strmPayload('u', '?', ""))
}

// StopStream flushes and stops the player.
func (s *Server) StopStream(playerID string) error {
	p, err := s.playerByID(playerID)
	if err != nil {
		return err
	}
	return p.send("strm", strmPayload('q', '?', ""))
}

// SetGain applies the zone volume as a fixed-point channel gain.
func (s *Server) SetGain(playerID string, level int) error {
	p, err := s.playerByID(playerID)
	if err != nil {
		return err
	}
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	// 16.16 fixed point, both channels.
	gain := uint32(float64(level) / 100 * 65536)
	payload := make([]byte, 18)
	binary.BigEndian.PutUint32(payload[0:], gain)  // old left
	binary.BigEndian.PutUint32(payload[4:], gain)  // old right
	payload[8] = 1                                 // digital volume control
	payload[9] = 255                               // preamp
	binary.BigEndian.PutUint32(payload[10:], gain) // new left
	binary.BigEndian.PutUint32(payload[14:], gain) // new right
	return p.send("audg", payload)
}

// send writes a server frame: 2-byte length over op+payload, then op
// and payload.
func (p *player) send(op string, payload []byte) error {
	if len(op) != 4 {
		return fmt.Errorf("slim: bad op %q", op)
	}
	frame := make([]byte, 2+4+len(payload))
	binary.BigEndian.PutUint16(frame[0:], uint16(4+len(payload)))
	copy(frame[2:], op)
	copy(frame[6:], payload)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := p.conn.Write(frame)
	return err
}

// strmPayload builds the 24-byte strm header plus the HTTP request.
func strmPayload(command, format byte, request string) []byte {
	payload := make([]byte, 24+len(request))
	payload[0] = command
	payload[1] = '1' // autostart
	payload[2] = format
	payload[3] = '?' // pcm sample size
	payload[4] = '?' // pcm sample rate
	payload[5] = '?' // pcm channels
	payload[6] = '?' // pcm endian
	payload[7] = 255 // threshold (KB before autostart)
	// bytes 8..13: spdif, transition period/type, flags, output threshold, reserved
	// bytes 14..17: replay gain (none)
	// bytes 18..19: server port 0 = same host as control
	// bytes 20..23: server ip 0 = control host
	copy(payload[24:], request)
	return payload
}

// readFrame reads one client frame: 4-byte op, 4-byte length, payload.
func readFrame(conn net.Conn) (string, []byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", nil, err
	}
	size := binary.BigEndian.Uint32(header[4:])
	if size > 1<<20 {
		return "", nil, fmt.Errorf("slim: oversized frame %d", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return "", nil, err
	}
	return string(header[:4]), payload, nil
}

func macString(mac []byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

func deviceModel(id byte) string {
	switch id {
	case 2:
		return "squeezebox"
	case 4:
		return "squeezebox2"
	case 8:
		return "squeezeslave"
	case 12:
		return "squeezelite"
	default:
		return fmt.Sprintf("device-%d", id)
	}
}
