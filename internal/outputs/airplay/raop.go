/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package airplay

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// framesPerPacket is the RAOP convention for uncompressed audio.
const framesPerPacket = 352

// sender pushes PCM frames to a speaker. The seam lets tests exercise
// the driver without a live speaker.
type sender interface {
	Connect(ctx context.Context) error
	WritePacket(pcm []byte) error
	SetVolume(db float64) error
	Flush() error
	Close() error
}

// raopSender speaks the RTSP side of the legacy AirPlay audio
// protocol and ships uncompressed L16 frames over RTP. AirPlay 2
// speakers keep this transport for compatibility.
type raopSender struct {
	target     *Target
	sampleRate int
	channels   int
	logger     zerolog.Logger

	mu       sync.Mutex
	conn     net.Conn
	rtsp     *bufio.Reader
	audio    *net.UDPConn
	cseq     int
	session  string
	uri      string
	clientID string
	seq      uint16
	ts       uint32
	ssrc     uint32
}

func newRAOPSender(target *Target, sampleRate, channels int, logger zerolog.Logger) *raopSender {
	return &raopSender{
		target:     target,
		sampleRate: sampleRate,
		channels:   channels,
		logger:     logger,
		clientID:   fmt.Sprintf("%08X%08X", rand.Uint32(), rand.Uint32()),
		ssrc:       rand.Uint32(),
		seq:        uint16(rand.Uint32()),
	}
}

// Connect runs the ANNOUNCE/SETUP/RECORD handshake and opens the RTP
// audio socket.
func (s *raopSender) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	addr := net.JoinHostPort(s.target.IP.String(), strconv.Itoa(s.target.Port))
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("raop dial %s: %w", addr, err)
	}
	s.conn = conn
	s.rtsp = bufio.NewReader(conn)
	s.uri = fmt.Sprintf("rtsp://%s/%s", conn.LocalAddr().(*net.TCPAddr).IP, s.clientID)

	if _, err := s.request("OPTIONS", "*", nil, ""); err != nil {
		s.closeLocked()
		return err
	}

	localIP := conn.LocalAddr().(*net.TCPAddr).IP
	sdp := strings.Join([]string{
		"v=0",
		fmt.Sprintf("o=iTunes %s 0 IN IP4 %s", s.clientID, localIP),
		"s=iTunes",
		fmt.Sprintf("c=IN IP4 %s", s.target.IP),
		"t=0 0",
		"m=audio 0 RTP/AVP 96",
		fmt.Sprintf("a=rtpmap:96 L16/%d/%d", s.sampleRate, s.channels),
		"",
	}, "\r\n")
	if _, err := s.request("ANNOUNCE", s.uri, map[string]string{
		"Content-Type": "application/sdp",
	}, sdp); err != nil {
		s.closeLocked()
		return err
	}

	headers, err := s.request("SETUP", s.uri, map[string]string{
		"Transport": "RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=0;timing_port=0",
	}, "")
	if err != nil {
		s.closeLocked()
		return err
	}
	s.session = headers["Session"]
	serverPort := transportParam(headers["Transport"], "server_port")
	if serverPort == 0 {
		s.closeLocked()
		return fmt.Errorf("raop setup: no server_port in transport %q", headers["Transport"])
	}

	audioAddr := &net.UDPAddr{IP: s.target.IP, Port: serverPort}
	audio, err := net.DialUDP("udp", nil, audioAddr)
	if err != nil {
		s.closeLocked()
		return fmt.Errorf("raop audio socket: %w", err)
	}
	s.audio = audio

	if _, err := s.request("RECORD", s.uri, map[string]string{
		"Range":    "npt=0-",
		"RTP-Info": fmt.Sprintf("seq=%d;rtptime=%d", s.seq, s.ts),
	}, ""); err != nil {
		s.closeLocked()
		return err
	}

	s.logger.Info().Str("speaker", s.target.Name).Int("port", serverPort).Msg("raop session established")
	return nil
}

// WritePacket ships one packet of interleaved s16le frames.
func (s *raopSender) WritePacket(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio == nil {
		return fmt.Errorf("raop: not connected")
	}

	pkt := make([]byte, 12+len(pcm))
	pkt[0] = 0x80
	pkt[1] = 0x60 // payload type 96
	binary.BigEndian.PutUint16(pkt[2:], s.seq)
	binary.BigEndian.PutUint32(pkt[4:], s.ts)
	binary.BigEndian.PutUint32(pkt[8:], s.ssrc)
	// L16 on the wire is big-endian; the engine emits little-endian.
	for i := 0; i+1 < len(pcm); i += 2 {
		pkt[12+i] = pcm[i+1]
		pkt[12+i+1] = pcm[i]
	}

	if _, err := s.audio.Write(pkt); err != nil {
		return fmt.Errorf("raop audio write: %w", err)
	}
	s.seq++
	s.ts += uint32(len(pcm) / (2 * s.channels))
	return nil
}

// SetVolume sends the device-scale volume in dB.
func (s *raopSender) SetVolume(db float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("raop: not connected")
	}
	_, err := s.request("SET_PARAMETER", s.uri, map[string]string{
		"Content-Type": "text/parameters",
	}, fmt.Sprintf("volume: %.6f\r\n", db))
	return err
}

// Flush tells the speaker to drop queued audio, used on pause.
func (s *raopSender) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	_, err := s.request("FLUSH", s.uri, map[string]string{
		"RTP-Info": fmt.Sprintf("seq=%d;rtptime=%d", s.seq, s.ts),
	}, "")
	return err
}

// Close tears the session down.
func (s *raopSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	_, _ = s.request("TEARDOWN", s.uri, nil, "")
	s.closeLocked()
	return nil
}

func (s *raopSender) closeLocked() {
	if s.audio != nil {
		s.audio.Close()
		s.audio = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// request writes one RTSP request and parses the response headers.
// Caller holds the lock.
func (s *raopSender) request(method, uri string, headers map[string]string, body string) (map[string]string, error) {
	s.cseq++
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", method, uri)
	fmt.Fprintf(&b, "CSeq: %d\r\n", s.cseq)
	fmt.Fprintf(&b, "Client-Instance: %s\r\n", s.clientID)
	fmt.Fprintf(&b, "User-Agent: zonecast/1.0\r\n")
	if s.session != "" {
		fmt.Fprintf(&b, "Session: %s\r\n", s.session)
	}
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	if body != "" {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("\r\n")
	b.WriteString(body)

	s.conn.SetDeadline(time.Now().Add(5 * time.Second))
	defer s.conn.SetDeadline(time.Time{})
	if _, err := s.conn.Write([]byte(b.String())); err != nil {
		return nil, fmt.Errorf("rtsp %s: %w", method, err)
	}

	status, err := s.rtsp.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("rtsp %s: %w", method, err)
	}
	if !strings.Contains(status, "200") {
		return nil, fmt.Errorf("rtsp %s rejected: %s", method, strings.TrimSpace(status))
	}

	respHeaders := make(map[string]string)
	contentLength := 0
	for {
		line, err := s.rtsp.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if i := strings.Index(line, ":"); i >= 0 {
			key := strings.TrimSpace(line[:i])
			value := strings.TrimSpace(line[i+1:])
			respHeaders[key] = value
			if strings.EqualFold(key, "Content-Length") {
				contentLength, _ = strconv.Atoi(value)
			}
		}
	}
	for contentLength > 0 {
		n, err := s.rtsp.Discard(contentLength)
		contentLength -= n
		if err != nil {
			break
		}
	}
	return respHeaders, nil
}

// transportParam extracts a numeric parameter from an RTSP Transport
// header.
func transportParam(transport, name string) int {
	for _, part := range strings.Split(transport, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && kv[0] == name {
			if v, err := strconv.Atoi(kv[1]); err == nil {
				return v
			}
		}
	}
	return 0
}
