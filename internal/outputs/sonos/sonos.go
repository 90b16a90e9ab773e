/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sonos extends the DLNA driver with Sonos household
// grouping. Playback itself is plain AVTransport; what Sonos adds is
// the RINCON identity and coordinator-follower group membership.
package sonos

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/outputs"
	"github.com/friendsincode/zonecast/internal/outputs/dlna"
	"github.com/friendsincode/zonecast/internal/upnp"
)

const (
	soapTimeout  = 10 * time.Second
	probeTimeout = 5 * time.Second
)

func init() {
	outputs.Register("sonos", func(decl config.ZoneDecl, deps outputs.Deps) (outputs.Output, error) {
		return New(decl, deps), nil
	})
}

// Driver is a Sonos zone player. All transport and volume commands
// come from the embedded DLNA driver; this type adds UDN resolution
// and group join/leave.
type Driver struct {
	*dlna.Driver

	host    string
	descURL string
	soap    *upnp.SOAPClient
	probe   *http.Client
	logger  zerolog.Logger

	mu  sync.Mutex
	udn string
	gen string
}

// New builds the driver. Sonos players always expose their
// description at port 1400, so discovery is a direct fetch rather
// than SSDP.
func New(decl config.ZoneDecl, deps outputs.Deps) *Driver {
	descURL := decl.Options["description_url"]
	if descURL == "" {
		descURL = fmt.Sprintf("http://%s:1400/xml/device_description.xml", decl.Host)
	}

	// The base driver resolves the device from the same description.
	opts := make(map[string]string, len(decl.Options)+1)
	for k, v := range decl.Options {
		opts[k] = v
	}
	opts["description_url"] = descURL
	base := decl
	base.Options = opts

	return &Driver{
		Driver:  dlna.New(base, deps),
		host:    decl.Host,
		descURL: descURL,
		soap:    upnp.NewSOAPClient(soapTimeout),
		probe:   &http.Client{Timeout: probeTimeout},
		logger:  deps.Logger.With().Str("driver", "sonos").Int("zone", decl.ID).Logger(),
	}
}

// UDN returns the player's RINCON identity, resolving it from the
// device description and falling back to the /status/zp endpoint for
// players that refuse the description fetch.
func (d *Driver) UDN(ctx context.Context) (string, error) {
	d.mu.Lock()
	if d.udn != "" {
		udn := d.udn
		d.mu.Unlock()
		return udn, nil
	}
	d.mu.Unlock()

	udn, gen, err := d.identify(ctx)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.udn, d.gen = udn, gen
	d.mu.Unlock()
	return udn, nil
}

// Generation reports the software generation, "2" for S2 households.
func (d *Driver) Generation(ctx context.Context) string {
	if _, err := d.UDN(ctx); err != nil {
		return ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen
}

func (d *Driver) identify(ctx context.Context) (udn, gen string, err error) {
	dev, err := d.Device(ctx)
	if err == nil && dev.UDN != "" {
		return dev.UDN, dev.SoftwareGen, nil
	}
	descErr := err

	udn, zpErr := d.probeStatusZP(ctx)
	if zpErr != nil {
		if descErr != nil {
			return "", "", fmt.Errorf("identify %s: %v; status/zp: %w", d.host, descErr, zpErr)
		}
		return "", "", fmt.Errorf("identify %s: %w", d.host, zpErr)
	}
	d.logger.Debug().Str("udn", udn).Msg("resolved UDN via /status/zp")
	return udn, "", nil
}

type zpSupportInfo struct {
	XMLName xml.Name `xml:"ZPSupportInfo"`
	ZPInfo  struct {
		ZoneName   string `xml:"ZoneName"`
		LocalUID   string `xml:"LocalUID"`
		MACAddress string `xml:"MACAddress"`
	} `xml:"ZPInfo"`
}

// probeStatusZP asks the diagnostic endpoint for the player identity.
func (d *Driver) probeStatusZP(ctx context.Context) (string, error) {
	base, err := url.Parse(d.descURL)
	if err != nil {
		return "", err
	}
	probeURL := base.Scheme + "://" + base.Host + "/status/zp"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.probe.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status/zp: http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", err
	}
	var info zpSupportInfo
	if err := xml.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("status/zp: %w", err)
	}
	switch {
	case info.ZPInfo.LocalUID != "":
		return info.ZPInfo.LocalUID, nil
	case info.ZPInfo.MACAddress != "":
		// RINCON ids are the MAC without separators plus the port.
		mac := strings.ToUpper(strings.ReplaceAll(info.ZPInfo.MACAddress, ":", ""))
		return "RINCON_" + mac + "01400", nil
	default:
		return "", fmt.Errorf("status/zp at %s carries no player id", d.host)
	}
}

// JoinGroup attaches this player to a coordinator. The x-rincon
// transport URI is the native follow mechanism; S2 households accept
// the same coordinator URI on their compatibility transport.
func (d *Driver) JoinGroup(ctx context.Context, coordinatorUDN string) error {
	dev, err := d.Device(ctx)
	if err != nil {
		return err
	}
	if d.Generation(ctx) == "2" {
		d.logger.Debug().Str("coordinator", coordinatorUDN).Msg("S2 household, joining via compatibility transport")
	}
	_, err = d.soap.Call(ctx, dev.ControlURLs[upnp.ServiceAVTransport], upnp.ServiceAVTransport, "SetAVTransportURI", map[string]string{
		"InstanceID":         "0",
		"CurrentURI":         "x-rincon:" + coordinatorUDN,
		"CurrentURIMetaData": "",
	})
	if err != nil {
		return fmt.Errorf("join group: %w", err)
	}
	d.logger.Info().Str("coordinator", coordinatorUDN).Msg("joined group")
	return nil
}

// LeaveGroup detaches this player from its coordinator and makes it
// standalone again.
func (d *Driver) LeaveGroup(ctx context.Context) error {
	dev, err := d.Device(ctx)
	if err != nil {
		return err
	}
	_, err = d.soap.Call(ctx, dev.ControlURLs[upnp.ServiceAVTransport], upnp.ServiceAVTransport, "BecomeCoordinatorOfStandaloneGroup", map[string]string{
		"InstanceID": "0",
	})
	if err != nil && upnp.IsSoftFault(err) {
		// Already standalone.
		d.logger.Debug().Err(err).Msg("leave group soft fault")
		return nil
	}
	if err != nil {
		return fmt.Errorf("leave group: %w", err)
	}
	d.logger.Info().Msg("left group")
	return nil
}
