/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/events"
	"github.com/friendsincode/zonecast/internal/icy"
)

func newTestProxy(t *testing.T) (*Handler, *httptest.Server, *events.Bus) {
	t.Helper()
	cfg := &config.Config{ProxyMaxPlaylistBytes: 1024 * 1024}
	bus := events.NewBus()
	h := New(cfg, bus, zerolog.Nop())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, srv, bus
}

func proxyGet(t *testing.T, srv *httptest.Server, target string, headers map[string]string) *http.Response {
	t.Helper()
	encoded, err := EncodeHeaders(headers)
	require.NoError(t, err)
	resp, err := http.Get(srv.URL + "?u=" + url.QueryEscape(target) + "&h=" + url.QueryEscape(encoded))
	require.NoError(t, err)
	return resp
}

func TestHeaderCodecRoundTrip(t *testing.T) {
	cases := []map[string]string{
		{},
		{"Icy-MetaData": "1"},
		{"Authorization": "Bearer abc", "X-Zone-Id": "4", "User-Agent": "zonecast/1.0"},
	}
	for _, h := range cases {
		encoded, err := EncodeHeaders(h)
		require.NoError(t, err)
		decoded, err := DecodeHeaders(encoded)
		require.NoError(t, err)
		assert.Equal(t, h, decoded)
	}
}

func TestPassthroughForwardsHeadersAndRange(t *testing.T) {
	var gotRange, gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Content-Range", "bytes 0-3/100")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("data"))
	}))
	defer upstream.Close()

	_, srv, _ := newTestProxy(t)
	encoded, _ := EncodeHeaders(map[string]string{"Authorization": "Bearer tok"})
	req, _ := http.NewRequest(http.MethodGet,
		srv.URL+"?u="+url.QueryEscape(upstream.URL+"/track.mp3")+"&h="+url.QueryEscape(encoded), nil)
	req.Header.Set("Range", "bytes=0-3")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "bytes=0-3", gotRange)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 0-3/100", resp.Header.Get("Content-Range"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "data", string(body))
}

func TestUpstreamFailureReturns502(t *testing.T) {
	_, srv, _ := newTestProxy(t)
	resp := proxyGet(t, srv, "http://127.0.0.1:1/stream", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestRejectsNonLocalClient(t *testing.T) {
	h, _, _ := newTestProxy(t)
	req := httptest.NewRequest(http.MethodGet, "/streams/proxy?u=http%3A%2F%2Fexample.com%2Fs", nil)
	req.RemoteAddr = "203.0.113.9:51000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRejectsBadTarget(t *testing.T) {
	_, srv, _ := newTestProxy(t)
	for _, u := range []string{"", "not-a-url", "ftp://host/file"} {
		resp, err := http.Get(srv.URL + "?u=" + url.QueryEscape(u))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, u)
	}
}

func TestM3URewrite(t *testing.T) {
	playlist := strings.Join([]string{
		"#EXTM3U",
		"#EXTINF:-1,Station One",
		"http://radio.example/one.mp3",
		"#EXTINF:-1,Relative",
		"segments/two.aac",
		"",
	}, "\n")

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/x-mpegurl")
		_, _ = w.Write([]byte(playlist))
	}))
	defer upstream.Close()

	_, srv, _ := newTestProxy(t)
	resp := proxyGet(t, srv, upstream.URL+"/list.m3u", nil)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	lines := strings.Split(string(body), "\n")

	assert.Equal(t, "#EXTM3U", lines[0])
	assert.True(t, strings.HasPrefix(lines[2], ProxyPath+"?u="), lines[2])
	assert.True(t, strings.HasPrefix(lines[4], ProxyPath+"?u="), lines[4])

	// Un-rewriting restores the exact upstream URLs.
	assert.Equal(t, "http://radio.example/one.mp3", unrewrite(t, lines[2]))
	assert.Equal(t, upstream.URL+"/segments/two.aac", unrewrite(t, lines[4]))
}

func TestHLSTagURIRewrite(t *testing.T) {
	base, _ := url.Parse("https://cdn.example/live/master.m3u8")
	line := `#EXT-X-KEY:METHOD=AES-128,URI="keys/k1.bin",IV=0x99`
	out := RewritePlaylist(line, base, "")
	assert.Contains(t, out, `URI="`+ProxyPath+"?u=")
	assert.Contains(t, out, url.QueryEscape("https://cdn.example/live/keys/k1.bin"))
	assert.True(t, strings.HasSuffix(out, `,IV=0x99`))
}

func TestPLSRewrite(t *testing.T) {
	base, _ := url.Parse("http://radio.example/station.pls")
	playlist := strings.Join([]string{
		"[playlist]",
		"File1=http://radio.example/live",
		"Title1=My Station",
		"Length1=-1",
		"NumberOfEntries=1",
		"Version=2",
	}, "\n")

	out := RewritePlaylist(playlist, base, "")
	lines := strings.Split(out, "\n")
	assert.Equal(t, "[playlist]", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "File1="+ProxyPath+"?u="), lines[1])
	assert.Equal(t, "Title1=My Station", lines[2])
	assert.Equal(t, "NumberOfEntries=1", lines[4])
}

func TestRewriteCarriesHeaderBlob(t *testing.T) {
	base, _ := url.Parse("http://radio.example/list.m3u")
	encoded, _ := EncodeHeaders(map[string]string{"Authorization": "Bearer tok"})
	out := RewritePlaylist("http://radio.example/live.mp3", base, encoded)
	assert.Contains(t, out, "&h="+url.QueryEscape(encoded))
}

func TestICYInterception(t *testing.T) {
	// Stream layout at metaint 8: 8 audio, meta frame, 8 audio, duplicate
	// frame, 8 audio, zero frame.
	block, err := icy.FormatBlock(icy.Metadata{Artist: "Artist", Title: "Song"})
	require.NoError(t, err)
	audio := []byte("12345678")
	var stream []byte
	stream = append(stream, audio...)
	stream = append(stream, block...)
	stream = append(stream, audio...)
	stream = append(stream, block...)
	stream = append(stream, audio...)
	stream = append(stream, 0)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.Header.Get("Icy-MetaData"))
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("icy-metaint", "8")
		_, _ = w.Write(stream)
	}))
	defer upstream.Close()

	_, srv, bus := newTestProxy(t)
	updates := bus.Subscribe(events.EventRadioMetadata)

	resp := proxyGet(t, srv, upstream.URL+"/live", map[string]string{
		"Icy-MetaData": "1",
		"X-Zone-Id":    "3",
	})
	defer resp.Body.Close()

	assert.Empty(t, resp.Header.Get("icy-metaint"), "metadata framing must be stripped")
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "123456781234567812345678", string(body))

	select {
	case p := <-updates:
		assert.Equal(t, 3, p["zone_id"])
		assert.Equal(t, "Artist", p["artist"])
		assert.Equal(t, "Song", p["title"])
	case <-time.After(time.Second):
		t.Fatal("no metadata event")
	}

	// The duplicate frame is suppressed.
	select {
	case <-updates:
		t.Fatal("duplicate metadata published")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestICYWithoutZoneHintPassesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("icy-metaint", "8")
		_, _ = w.Write([]byte("12345678\x00"))
	}))
	defer upstream.Close()

	_, srv, _ := newTestProxy(t)
	resp := proxyGet(t, srv, upstream.URL+"/live", nil)
	defer resp.Body.Close()

	// No attribution target, so the raw framing reaches the client.
	assert.Equal(t, "8", resp.Header.Get("icy-metaint"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "12345678\x00", string(body))
}

func unrewrite(t *testing.T, proxied string) string {
	t.Helper()
	u, err := url.Parse(proxied)
	require.NoError(t, err)
	return u.Query().Get("u")
}
