/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package airplay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeLookup(entries map[string][]*mdns.ServiceEntry) lookupFunc {
	return func(service string, _ time.Duration) ([]*mdns.ServiceEntry, error) {
		return entries[service], nil
	}
}

func entry(name, ip string, port int, txt ...string) *mdns.ServiceEntry {
	return &mdns.ServiceEntry{
		Name:       name,
		AddrV4:     net.ParseIP(ip),
		Port:       port,
		InfoFields: txt,
	}
}

func TestDiscoverPrefersRaopForLegacySpeaker(t *testing.T) {
	lookup := fakeLookup(map[string][]*mdns.ServiceEntry{
		serviceRAOP: {entry("AABBCC@Speaker._raop._tcp.local.", "192.0.2.20", 5002, "tp=UDP")},
	})
	target, err := discover(context.Background(), lookup, "192.0.2.20", false, time.Second)
	require.NoError(t, err)
	assert.False(t, target.AirPlay2)
	assert.Equal(t, 5002, target.Port)
}

func TestDiscoverSelectsAp2FromFeatures(t *testing.T) {
	lookup := fakeLookup(map[string][]*mdns.ServiceEntry{
		serviceAirPlay: {entry("Speaker._airplay._tcp.local.", "192.0.2.20", 7000, "features=0x4A7FCA00,0x3C356BD0")},
		serviceRAOP:    {entry("AABBCC@Speaker._raop._tcp.local.", "192.0.2.20", 5002)},
	})
	target, err := discover(context.Background(), lookup, "192.0.2.20", false, time.Second)
	require.NoError(t, err)
	assert.True(t, target.AirPlay2)
	assert.Equal(t, 7000, target.Port)
}

func TestDiscoverForceAp2(t *testing.T) {
	lookup := fakeLookup(map[string][]*mdns.ServiceEntry{
		serviceAirPlay: {entry("Speaker._airplay._tcp.local.", "192.0.2.20", 7000)},
		serviceRAOP:    {entry("AABBCC@Speaker._raop._tcp.local.", "192.0.2.20", 5002)},
	})
	target, err := discover(context.Background(), lookup, "192.0.2.20", true, time.Second)
	require.NoError(t, err)
	assert.True(t, target.AirPlay2)
}

func TestDiscoverNoSpeaker(t *testing.T) {
	lookup := fakeLookup(nil)
	_, err := discover(context.Background(), lookup, "192.0.2.99", false, time.Second)
	require.Error(t, err)
}

func TestAdvertisesAp2(t *testing.T) {
	assert.True(t, advertisesAp2(map[string]string{"features": "0x4000000000"}))
	assert.True(t, advertisesAp2(map[string]string{"features": "0x4A7FCA00,0x3C356BD0"}))
	assert.False(t, advertisesAp2(map[string]string{"features": "0x5A7FFFF7"}))
	assert.False(t, advertisesAp2(map[string]string{}))
	assert.False(t, advertisesAp2(map[string]string{"features": "junk"}))
}

func TestFlowBufferDropsOldestWhenFull(t *testing.T) {
	f := newFlowBuffer(8)
	f.Write([]byte("12345678"))
	f.Write([]byte("abcd"))
	f.Close()

	data, ok := f.ReadPacket(8)
	require.True(t, ok)
	assert.Equal(t, "5678abcd", string(data))
	assert.Equal(t, int64(4), f.Dropped())
}

func TestFlowBufferShortFinalPacket(t *testing.T) {
	f := newFlowBuffer(64)
	f.Write([]byte("abc"))
	f.Close()

	data, ok := f.ReadPacket(8)
	require.True(t, ok)
	assert.Equal(t, "abc", string(data))

	_, ok = f.ReadPacket(8)
	assert.False(t, ok)
}

func TestFlowBufferWaitReady(t *testing.T) {
	f := newFlowBuffer(64)
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Write([]byte("x"))
	}()
	start := time.Now()
	require.True(t, f.WaitReady(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), readyDelay)
}

func TestFlowBufferWaitReadyCancelled(t *testing.T) {
	f := newFlowBuffer(64)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.False(t, f.WaitReady(ctx))
}

func TestVolumeToDB(t *testing.T) {
	assert.Equal(t, float64(-144), volumeToDB(0))
	assert.InDelta(t, -29.7, volumeToDB(1), 0.01)
	assert.InDelta(t, -15, volumeToDB(50), 0.01)
	assert.Equal(t, float64(0), volumeToDB(100))
	assert.Equal(t, float64(0), volumeToDB(140))
}

func TestTransportParam(t *testing.T) {
	transport := "RTP/AVP/UDP;unicast;mode=record;server_port=6000;control_port=6001"
	assert.Equal(t, 6000, transportParam(transport, "server_port"))
	assert.Equal(t, 6001, transportParam(transport, "control_port"))
	assert.Equal(t, 0, transportParam(transport, "timing_port"))
}

// fakeRTSPServer answers the handshake and records methods.
type fakeRTSPServer struct {
	ln         net.Listener
	audioPort  int
	mu         sync.Mutex
	methods    []string
	lastVolume string
}

func newFakeRTSPServer(t *testing.T, audioPort int) *fakeRTSPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeRTSPServer{ln: ln, audioPort: audioPort}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeRTSPServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		method := strings.Fields(line)[0]
		s.mu.Lock()
		s.methods = append(s.methods, method)
		s.mu.Unlock()

		cseq, contentLength := "", 0
		for {
			h, err := r.ReadString('\n')
			if err != nil {
				return
			}
			h = strings.TrimRight(h, "\r\n")
			if h == "" {
				break
			}
			if strings.HasPrefix(h, "CSeq:") {
				cseq = strings.TrimSpace(strings.TrimPrefix(h, "CSeq:"))
			}
			if strings.HasPrefix(h, "Content-Length:") {
				contentLength, _ = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(h, "Content-Length:")))
			}
		}
		if contentLength > 0 {
			body := make([]byte, contentLength)
			if _, err := io.ReadFull(r, body); err != nil {
				return
			}
			if method == "SET_PARAMETER" {
				s.mu.Lock()
				s.lastVolume = strings.TrimSpace(string(body))
				s.mu.Unlock()
			}
		}

		extra := ""
		if method == "SETUP" {
			extra = fmt.Sprintf("Session: DEADBEEF\r\nTransport: RTP/AVP/UDP;unicast;mode=record;server_port=%d\r\n", s.audioPort)
		}
		fmt.Fprintf(conn, "RTSP/1.0 200 OK\r\nCSeq: %s\r\n%s\r\n", cseq, extra)
	}
}

func (s *fakeRTSPServer) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

func TestRAOPHandshakeAndAudio(t *testing.T) {
	audio, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer audio.Close()
	audioPort := audio.LocalAddr().(*net.UDPAddr).Port

	srv := newFakeRTSPServer(t, audioPort)
	tcpAddr := srv.ln.Addr().(*net.TCPAddr)

	s := newRAOPSender(&Target{
		Name: "Test Speaker",
		IP:   net.IPv4(127, 0, 0, 1),
		Port: tcpAddr.Port,
	}, 44100, 2, zerolog.Nop())

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, []string{"OPTIONS", "ANNOUNCE", "SETUP", "RECORD"}, srv.recorded())

	// Little-endian engine samples arrive big-endian on the wire.
	require.NoError(t, s.WritePacket([]byte{0x01, 0x02, 0x03, 0x04}))
	audio.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt := make([]byte, 64)
	n, _, err := audio.ReadFromUDP(pkt)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	assert.Equal(t, byte(0x80), pkt[0])
	assert.Equal(t, []byte{0x02, 0x01, 0x04, 0x03}, pkt[12:16])

	require.NoError(t, s.SetVolume(-15))
	require.NoError(t, s.Close())

	srv.mu.Lock()
	volume := srv.lastVolume
	srv.mu.Unlock()
	assert.Contains(t, volume, "volume: -15")
}

// recordingSender captures paced packets.
type recordingSender struct {
	mu      sync.Mutex
	packets [][]byte
}

func (r *recordingSender) Connect(context.Context) error { return nil }
func (r *recordingSender) WritePacket(p []byte) error {
	r.mu.Lock()
	r.packets = append(r.packets, append([]byte(nil), p...))
	r.mu.Unlock()
	return nil
}
func (r *recordingSender) SetVolume(float64) error { return nil }
func (r *recordingSender) Flush() error            { return nil }
func (r *recordingSender) Close() error            { return nil }

func TestPaceSendsFixedPackets(t *testing.T) {
	d := &Driver{sampleRate: 44100, channels: 2, logger: zerolog.Nop()}
	flow := newFlowBuffer(flowCapacity)
	snd := &recordingSender{}

	packetBytes := framesPerPacket * 2 * d.channels
	flow.Write(make([]byte, packetBytes*2+100))
	flow.Close()

	done := make(chan struct{})
	go func() {
		d.pace(context.Background(), snd, flow)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pace did not drain")
	}

	snd.mu.Lock()
	defer snd.mu.Unlock()
	require.Len(t, snd.packets, 3)
	assert.Len(t, snd.packets[0], packetBytes)
	assert.Len(t, snd.packets[1], packetBytes)
	assert.Len(t, snd.packets[2], 100)
}
