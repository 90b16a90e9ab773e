/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package dlna drives generic UPnP AVTransport renderers.
package dlna

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/engine"
	"github.com/friendsincode/zonecast/internal/events"
	"github.com/friendsincode/zonecast/internal/outputs"
	"github.com/friendsincode/zonecast/internal/playback"
	"github.com/friendsincode/zonecast/internal/upnp"
)

const (
	soapTimeout = 10 * time.Second
	// streamGateTimeout bounds how long a timed-out SetAVTransportURI
	// waits for the renderer's HTTP GET before Play is skipped.
	streamGateTimeout = 12 * time.Second
	discoveryTimeout  = 3 * time.Second
	deviceCacheTTL    = 5 * time.Minute
)

func init() {
	outputs.Register("dlna", func(decl config.ZoneDecl, deps outputs.Deps) (outputs.Output, error) {
		return New(decl, deps), nil
	})
}

// Driver talks AVTransport/RenderingControl to one renderer.
type Driver struct {
	zoneID int
	host   string
	cfg    *config.Config
	bus    *events.Bus
	logger zerolog.Logger

	soap    *upnp.SOAPClient
	devices *upnp.DeviceCache

	// softFaultOk treats SOAP faults on playback commands as success;
	// some renderers fault on Stop-before-Set yet play fine.
	softFaultOk bool
	httpPrefs   playback.HTTPPreferences
	descURL     string

	mu     sync.Mutex
	device *upnp.Device
}

// New builds the driver from a zone declaration.
func New(decl config.ZoneDecl, deps outputs.Deps) *Driver {
	d := &Driver{
		zoneID:      decl.ID,
		host:        decl.Host,
		cfg:         deps.Config,
		bus:         deps.Bus,
		logger:      deps.Logger.With().Str("driver", "dlna").Int("zone", decl.ID).Logger(),
		soap:        upnp.NewSOAPClient(soapTimeout),
		devices:     upnp.NewDeviceCache(deviceCacheTTL),
		softFaultOk: decl.Options["soft_fault_ok"] == "true",
		descURL:     decl.Options["description_url"],
		httpPrefs:   httpPrefsFrom(decl),
	}
	return d
}

func httpPrefsFrom(decl config.ZoneDecl) playback.HTTPPreferences {
	prefs := playback.HTTPPreferences{
		Profile:     playback.HTTPChunked,
		IcyEnabled:  false,
		IcyInterval: 16000,
		IcyName:     decl.Name,
	}
	if decl.Options["http_profile"] == string(playback.HTTPForcedLength) {
		prefs.Profile = playback.HTTPForcedLength
	}
	if decl.Options["icy"] == "true" {
		prefs.IcyEnabled = true
	}
	return prefs
}

// PreferredOutput asks for compressed MP3 audio.
func (d *Driver) PreferredOutput() playback.PreferredOutput {
	return playback.PreferredOutput{Profile: engine.ProfileMP3}
}

// HTTPPreferences returns the gateway shaping for this renderer.
func (d *Driver) HTTPPreferences() playback.HTTPPreferences { return d.httpPrefs }

// resolveDevice locates the renderer: an explicit description URL
// wins, otherwise SSDP results are matched against the zone host.
func (d *Driver) resolveDevice(ctx context.Context) (*upnp.Device, error) {
	d.mu.Lock()
	if d.device != nil {
		dev := d.device
		d.mu.Unlock()
		return dev, nil
	}
	d.mu.Unlock()

	location := d.descURL
	if location == "" {
		responses, err := upnp.Search(ctx, upnp.DefaultSearchTargets, discoveryTimeout)
		if err != nil {
			return nil, fmt.Errorf("ssdp search: %w", err)
		}
		for _, resp := range responses {
			if locationMatchesHost(resp.Location, d.host) {
				location = resp.Location
				break
			}
		}
		if location == "" {
			return nil, fmt.Errorf("renderer %s not found via ssdp", d.host)
		}
	}

	dev, err := d.devices.Get(ctx, location)
	if err != nil {
		return nil, err
	}
	if !dev.HasService(upnp.ServiceAVTransport) {
		return nil, fmt.Errorf("device %s has no AVTransport service", dev.FriendlyName)
	}

	d.mu.Lock()
	d.device = dev
	d.mu.Unlock()
	return dev, nil
}

func locationMatchesHost(location, host string) bool {
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	return u.Hostname() == host
}

// Device resolves and returns the renderer description. Exposed for
// protocol drivers that extend the base transport behavior.
func (d *Driver) Device(ctx context.Context) (*upnp.Device, error) {
	return d.resolveDevice(ctx)
}

// forgetDevice drops the cached device so the next command
// rediscovers.
func (d *Driver) forgetDevice() {
	d.mu.Lock()
	if d.device != nil {
		d.devices.Invalidate(d.device.Location)
		d.device = nil
	}
	d.mu.Unlock()
}

func (d *Driver) absoluteURL(path string) string {
	return strings.TrimRight(d.cfg.BaseURL, "/") + path
}

// Play publishes the session stream on the renderer: optional Stop,
// SetAVTransportURI with DIDL metadata, then Play. Re-entrant; a play
// during playback simply re-targets.
func (d *Driver) Play(ctx context.Context, session *playback.Session) error {
	dev, err := d.resolveDevice(ctx)
	if err != nil {
		return err
	}
	avURL := dev.ControlURLs[upnp.ServiceAVTransport]
	streamURL := d.absoluteURL(session.Stream.URL)

	// Best effort; many renderers refuse Stop while idle.
	_, _ = d.soap.Call(ctx, avURL, upnp.ServiceAVTransport, "Stop", map[string]string{"InstanceID": "0"})

	didl := upnp.BuildDIDL(upnp.DIDLItem{
		Title:        session.Metadata.Title,
		Artist:       session.Metadata.Artist,
		Album:        session.Metadata.Album,
		AlbumArtURI:  d.absoluteURL(session.Stream.CoverURL),
		StreamURL:    streamURL,
		ProtocolInfo: protocolInfo(session),
		DurationSec:  session.Duration,
	})

	_, err = d.soap.Call(ctx, avURL, upnp.ServiceAVTransport, "SetAVTransportURI", map[string]string{
		"InstanceID":         "0",
		"CurrentURI":         streamURL,
		"CurrentURIMetaData": didl,
	})
	switch {
	case err == nil:
	case upnp.IsSoftFault(err) && d.softFaultOk:
		d.logger.Debug().Err(err).Msg("soft fault on SetAVTransportURI, continuing")
	default:
		var timeout *upnp.TimeoutError
		if !errors.As(err, &timeout) {
			d.forgetDevice()
			return fmt.Errorf("SetAVTransportURI: %w", err)
		}
		// The renderer may have taken the URI without replying. If it
		// fetches the stream the transition succeeded; Play is then
		// safe. Otherwise skip Play rather than fault a renderer that
		// never got the URI.
		d.logger.Warn().Msg("SetAVTransportURI timed out, waiting for stream request")
		if !d.waitForStreamRequest(ctx, streamGateTimeout) {
			d.logger.Warn().Msg("renderer never fetched the stream, skipping Play")
			return nil
		}
	}

	_, err = d.soap.Call(ctx, avURL, upnp.ServiceAVTransport, "Play", map[string]string{
		"InstanceID": "0",
		"Speed":      "1",
	})
	if err != nil && !(upnp.IsSoftFault(err) && d.softFaultOk) {
		return fmt.Errorf("Play: %w", err)
	}

	d.logger.Info().Str("renderer", dev.FriendlyName).Str("stream", streamURL).Msg("playback started")
	return nil
}

// waitForStreamRequest blocks until the gateway reports a GET on this
// zone's stream endpoint.
func (d *Driver) waitForStreamRequest(ctx context.Context, timeout time.Duration) bool {
	sub := d.bus.Subscribe(events.EventStreamRequest)
	defer d.bus.Unsubscribe(events.EventStreamRequest, sub)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case p := <-sub:
			if zone, ok := p["zone_id"].(int); ok && zone == d.zoneID {
				return true
			}
		}
	}
}

func protocolInfo(session *playback.Session) string {
	return "http-get:*:" + session.PrimaryProfile().ContentType() + ":*"
}

// Pause sends AVTransport Pause.
func (d *Driver) Pause(ctx context.Context) error {
	return d.transportCommand(ctx, "Pause", map[string]string{"InstanceID": "0"})
}

// Resume sends AVTransport Play.
func (d *Driver) Resume(ctx context.Context) error {
	return d.transportCommand(ctx, "Play", map[string]string{"InstanceID": "0", "Speed": "1"})
}

// Stop sends AVTransport Stop.
func (d *Driver) Stop(ctx context.Context) error {
	return d.transportCommand(ctx, "Stop", map[string]string{"InstanceID": "0"})
}

func (d *Driver) transportCommand(ctx context.Context, action string, args map[string]string) error {
	dev, err := d.resolveDevice(ctx)
	if err != nil {
		return err
	}
	_, err = d.soap.Call(ctx, dev.ControlURLs[upnp.ServiceAVTransport], upnp.ServiceAVTransport, action, args)
	if err != nil && upnp.IsSoftFault(err) {
		d.logger.Debug().Err(err).Str("action", action).Msg("soft fault on optional command")
		return nil
	}
	return err
}

// SetVolume uses RenderingControl on the same device.
func (d *Driver) SetVolume(ctx context.Context, level int) error {
	dev, err := d.resolveDevice(ctx)
	if err != nil {
		return err
	}
	rcURL, ok := dev.ControlURLs[upnp.ServiceRenderingControl]
	if !ok {
		return fmt.Errorf("device %s has no RenderingControl service", dev.FriendlyName)
	}
	_, err = d.soap.Call(ctx, rcURL, upnp.ServiceRenderingControl, "SetVolume", map[string]string{
		"InstanceID":    "0",
		"Channel":       "Master",
		"DesiredVolume": fmt.Sprintf("%d", level),
	})
	return err
}

// UpdateMetadata is a no-op for plain DLNA; renderers re-read DIDL on
// the next SetAVTransportURI.
func (d *Driver) UpdateMetadata(_ context.Context, _ playback.Metadata) error { return nil }

// Dispose drops the cached device.
func (d *Driver) Dispose() {
	d.forgetDevice()
}
