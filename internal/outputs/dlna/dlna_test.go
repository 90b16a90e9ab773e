/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dlna

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/engine"
	"github.com/friendsincode/zonecast/internal/events"
	"github.com/friendsincode/zonecast/internal/outputs"
	"github.com/friendsincode/zonecast/internal/playback"
)

// fakeRenderer serves a device description plus AVTransport and
// RenderingControl control endpoints, recording every SOAP action.
type fakeRenderer struct {
	srv *httptest.Server

	mu      sync.Mutex
	actions []string
	bodies  []string
	// faultOn returns a SOAP fault for the named action.
	faultOn string
}

func newFakeRenderer(t *testing.T) *fakeRenderer {
	t.Helper()
	fr := &fakeRenderer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/desc.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <friendlyName>Test Renderer</friendlyName>
    <UDN>uuid:test-1234</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
        <controlURL>/av/control</controlURL>
      </service>
      <service>
        <serviceType>urn:schemas-upnp-org:service:RenderingControl:1</serviceType>
        <controlURL>/rc/control</controlURL>
      </service>
    </serviceList>
  </device>
</root>`))
	})
	control := func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		action := strings.Trim(r.Header.Get("SOAPACTION"), `"`)
		if i := strings.Index(action, "#"); i >= 0 {
			action = action[i+1:]
		}
		fr.mu.Lock()
		fr.actions = append(fr.actions, action)
		fr.bodies = append(fr.bodies, string(body))
		fault := fr.faultOn == action
		fr.mu.Unlock()
		if fault {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`<s:Envelope><s:Body><s:Fault><detail><UPnPError><errorCode>718</errorCode><errorDescription>Invalid InstanceID</errorDescription></UPnPError></detail></s:Fault></s:Body></s:Envelope>`))
			return
		}
		w.Write([]byte("<ok/>"))
	}
	mux.HandleFunc("/av/control", control)
	mux.HandleFunc("/rc/control", control)
	fr.srv = httptest.NewServer(mux)
	t.Cleanup(fr.srv.Close)
	return fr
}

func (fr *fakeRenderer) recorded() []string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]string(nil), fr.actions...)
}

func (fr *fakeRenderer) bodyFor(action string) string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for i, a := range fr.actions {
		if a == action {
			return fr.bodies[i]
		}
	}
	return ""
}

func testDriver(t *testing.T, fr *fakeRenderer, options map[string]string) (*Driver, *events.Bus) {
	t.Helper()
	if options == nil {
		options = map[string]string{}
	}
	options["description_url"] = fr.srv.URL + "/desc.xml"
	bus := events.NewBus()
	d := New(config.ZoneDecl{
		ID:      7,
		Name:    "Kitchen",
		Driver:  "dlna",
		Host:    "192.0.2.1",
		Options: options,
	}, outputs.Deps{
		Config: &config.Config{BaseURL: "http://192.0.2.10:8890"},
		Bus:    bus,
		Logger: zerolog.Nop(),
	})
	return d, bus
}

func testSession() *playback.Session {
	return &playback.Session{
		ZoneID: 7,
		Metadata: playback.Metadata{
			Title:  "Night Drive",
			Artist: "Analog Trio",
		},
		Stream: playback.StreamHandle{
			ID:       "abc",
			URL:      "/streams/7/abc.mp3",
			CoverURL: "/streams/7/abc/cover",
		},
		Duration: 240,
		Profiles: []engine.Profile{engine.ProfileMP3},
	}
}

func TestPlaySendsTransportSequence(t *testing.T) {
	fr := newFakeRenderer(t)
	d, _ := testDriver(t, fr, nil)

	require.NoError(t, d.Play(context.Background(), testSession()))

	assert.Equal(t, []string{"Stop", "SetAVTransportURI", "Play"}, fr.recorded())

	set := fr.bodyFor("SetAVTransportURI")
	assert.Contains(t, set, "http://192.0.2.10:8890/streams/7/abc.mp3")
	assert.Contains(t, set, "Night Drive")
	assert.Contains(t, set, "audio/mpeg")
}

func TestPlayFaultWithoutSoftFaultOption(t *testing.T) {
	fr := newFakeRenderer(t)
	fr.faultOn = "SetAVTransportURI"
	d, _ := testDriver(t, fr, nil)

	err := d.Play(context.Background(), testSession())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SetAVTransportURI")
	assert.NotContains(t, fr.recorded(), "Play")
}

func TestPlaySoftFaultContinues(t *testing.T) {
	fr := newFakeRenderer(t)
	fr.faultOn = "SetAVTransportURI"
	d, _ := testDriver(t, fr, map[string]string{"soft_fault_ok": "true"})

	require.NoError(t, d.Play(context.Background(), testSession()))
	assert.Contains(t, fr.recorded(), "Play")
}

func TestTransportCommands(t *testing.T) {
	fr := newFakeRenderer(t)
	d, _ := testDriver(t, fr, nil)

	ctx := context.Background()
	require.NoError(t, d.Pause(ctx))
	require.NoError(t, d.Resume(ctx))
	require.NoError(t, d.Stop(ctx))

	assert.Equal(t, []string{"Pause", "Play", "Stop"}, fr.recorded())
}

func TestSetVolumeUsesRenderingControl(t *testing.T) {
	fr := newFakeRenderer(t)
	d, _ := testDriver(t, fr, nil)

	require.NoError(t, d.SetVolume(context.Background(), 35))
	body := fr.bodyFor("SetVolume")
	assert.Contains(t, body, "<DesiredVolume>35</DesiredVolume>")
	assert.Contains(t, body, "<Channel>Master</Channel>")
}

func TestWaitForStreamRequestMatchesZone(t *testing.T) {
	fr := newFakeRenderer(t)
	d, bus := testDriver(t, fr, nil)

	done := make(chan bool, 1)
	go func() {
		done <- d.waitForStreamRequest(context.Background(), 2*time.Second)
	}()
	// Other zones do not satisfy the gate.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(events.EventStreamRequest, events.Payload{"zone_id": 3})
	bus.Publish(events.EventStreamRequest, events.Payload{"zone_id": 7})

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("gate never released")
	}
}

func TestWaitForStreamRequestTimesOut(t *testing.T) {
	fr := newFakeRenderer(t)
	d, _ := testDriver(t, fr, nil)

	assert.False(t, d.waitForStreamRequest(context.Background(), 50*time.Millisecond))
}

func TestHTTPPreferencesFromOptions(t *testing.T) {
	fr := newFakeRenderer(t)
	d, _ := testDriver(t, fr, map[string]string{
		"http_profile": "forced_content_length",
		"icy":          "true",
	})

	prefs := d.HTTPPreferences()
	assert.Equal(t, playback.HTTPForcedLength, prefs.Profile)
	assert.True(t, prefs.IcyEnabled)
	assert.Equal(t, "Kitchen", prefs.IcyName)
}

func TestPreferredOutputIsMP3(t *testing.T) {
	fr := newFakeRenderer(t)
	d, _ := testDriver(t, fr, nil)
	assert.Equal(t, engine.ProfileMP3, d.PreferredOutput().Profile)
}
