/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/events"
	"github.com/friendsincode/zonecast/internal/groups"
	"github.com/friendsincode/zonecast/internal/logbuffer"
	"github.com/friendsincode/zonecast/internal/playback"
	"github.com/friendsincode/zonecast/internal/store"
	"github.com/friendsincode/zonecast/internal/zones"
)

type commandRecord struct {
	cmd    string
	zoneID int
	uri    string
	level  int
}

type fakeCommander struct {
	mu       sync.Mutex
	statuses []zones.ZoneStatus
	commands []commandRecord
}

func (f *fakeCommander) record(c commandRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, c)
}

func (f *fakeCommander) Statuses() []zones.ZoneStatus { return f.statuses }

func (f *fakeCommander) PlayZoneURI(ctx context.Context, zoneID int, uri string, meta playback.Metadata, startAt int) error {
	f.record(commandRecord{cmd: "play", zoneID: zoneID, uri: uri})
	return nil
}

func (f *fakeCommander) PauseZone(ctx context.Context, zoneID int) error {
	f.record(commandRecord{cmd: "pause", zoneID: zoneID})
	return nil
}

func (f *fakeCommander) ResumeZone(ctx context.Context, zoneID int) error {
	f.record(commandRecord{cmd: "resume", zoneID: zoneID})
	return nil
}

func (f *fakeCommander) StopZone(ctx context.Context, zoneID int) error {
	f.record(commandRecord{cmd: "stop", zoneID: zoneID})
	return nil
}

func (f *fakeCommander) SetZoneVolume(ctx context.Context, zoneID, level int) error {
	f.record(commandRecord{cmd: "volume", zoneID: zoneID, level: level})
	return nil
}

func (f *fakeCommander) last() commandRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		return commandRecord{}
	}
	return f.commands[len(f.commands)-1]
}

type fakeVolumes struct {
	mu     sync.Mutex
	master []int
	spec   []int
}

func (f *fakeVolumes) ApplyMasterVolume(ctx context.Context, zoneID, target int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.master = append(f.master, target)
	return nil
}

func (f *fakeVolumes) ApplySpecGroupVolume(ctx context.Context, zoneID, target int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spec = append(f.spec, target)
	return nil
}

func newTestAPI(t *testing.T) (*httptest.Server, *fakeCommander, *fakeVolumes, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	zc := &fakeCommander{statuses: []zones.ZoneStatus{
		{ID: 1, Name: "Kitchen", Driver: "sonos", State: "playing", Volume: 40},
	}}
	vols := &fakeVolumes{}
	tracker := groups.NewTracker(events.NewBus(), zerolog.Nop())
	logBuf := logbuffer.New(100)
	logBuf.Add(logbuffer.LogEntry{Timestamp: time.Now(), Level: "info", Message: "started"})

	a := New(&config.Config{Environment: "test", HTTPPort: 8890}, zc, tracker, vols, st, nil, logBuf, zerolog.Nop())
	srv := httptest.NewServer(a.Routes())
	t.Cleanup(srv.Close)
	return srv, zc, vols, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(raw))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestZonesEndpoint(t *testing.T) {
	srv, _, _, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/zones")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var statuses []zones.ZoneStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "Kitchen", statuses[0].Name)
}

func TestZoneCommands(t *testing.T) {
	srv, zc, _, _ := newTestAPI(t)

	resp := postJSON(t, srv.URL+"/audio/3/play", map[string]any{"uri": "http://radio.example/live"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, commandRecord{cmd: "play", zoneID: 3, uri: "http://radio.example/live"}, zc.last())

	resp = postJSON(t, srv.URL+"/audio/3/pause", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pause", zc.last().cmd)

	resp = postJSON(t, srv.URL+"/audio/3/volume/65", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, commandRecord{cmd: "volume", zoneID: 3, level: 65}, zc.last())

	// Play without a uri is rejected before reaching the zone.
	resp = postJSON(t, srv.URL+"/audio/3/play", map[string]any{})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/audio/3/rewind", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/audio/abc/stop", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOutputBindingEndpoints(t *testing.T) {
	srv, _, _, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/zones/4/output")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/zones/4/output", map[string]any{
		"Driver": "dlna", "Host": "192.168.1.50",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/zones/4/output")
	require.NoError(t, err)
	var b store.OutputBinding
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&b))
	resp.Body.Close()
	assert.Equal(t, "dlna", b.Driver)
	assert.Equal(t, 4, b.ZoneID)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/zones/4/output", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/zones/4/output")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAudioOverrideEndpoints(t *testing.T) {
	srv, _, _, _ := newTestAPI(t)

	resp := doJSON(t, http.MethodPut, srv.URL+"/zones/2/audio", map[string]any{
		"SampleRate": 48000, "PCMBitDepth": 24,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/zones/2/audio")
	require.NoError(t, err)
	var o store.AudioOverride
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&o))
	resp.Body.Close()
	assert.Equal(t, 48000, o.SampleRate)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/zones/2/audio", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestGroupEndpoints(t *testing.T) {
	srv, _, vols, _ := newTestAPI(t)

	resp := doJSON(t, http.MethodPut, srv.URL+"/groups/g1", map[string]any{
		"leader": 1, "members": []int{2, 3},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rec groups.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	resp.Body.Close()
	assert.Equal(t, []int{1, 2, 3}, rec.Members)

	resp, err := http.Get(srv.URL + "/groups")
	require.NoError(t, err)
	var list []groups.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 1)

	resp = postJSON(t, srv.URL+"/groups/g1/volume", map[string]any{"target": 70, "mode": "master"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int{70}, vols.master)

	resp = postJSON(t, srv.URL+"/groups/g1/volume", map[string]any{"target": 55})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int{55}, vols.spec)

	resp = postJSON(t, srv.URL+"/groups/missing/volume", map[string]any{"target": 10})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/groups/g1", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/groups/g1", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConfigEndpointOmitsSecrets(t *testing.T) {
	srv, _, _, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/config")
	require.NoError(t, err)
	var cfg map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	resp.Body.Close()

	assert.Equal(t, "test", cfg["environment"])
	assert.NotContains(t, cfg, "mqtt_password")
	assert.NotContains(t, cfg, "mqtt_username")
}

func TestLogsEndpoint(t *testing.T) {
	srv, _, _, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/logs?limit=10")
	require.NoError(t, err)
	var entries []logbuffer.LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	resp.Body.Close()
	require.Len(t, entries, 1)
	assert.Equal(t, "started", entries[0].Message)
}

func TestSlimPlayersUnavailable(t *testing.T) {
	srv, _, _, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/audio/squeezelite/players")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
