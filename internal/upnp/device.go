/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package upnp

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Well-known service types used by the drivers.
const (
	ServiceAVTransport      = "urn:schemas-upnp-org:service:AVTransport:1"
	ServiceRenderingControl = "urn:schemas-upnp-org:service:RenderingControl:1"
)

// Device is a parsed renderer description.
type Device struct {
	Location     string
	FriendlyName string
	Manufacturer string
	ModelName    string
	UDN          string
	// SoftwareGen is the vendor software generation when advertised
	// (Sonos S2 devices report "2"). Empty for most renderers.
	SoftwareGen string
	// ControlURLs maps service type to its absolute control URL.
	ControlURLs map[string]string
}

// HasService reports whether the device exposes a control URL for the
// service type.
func (d *Device) HasService(serviceType string) bool {
	_, ok := d.ControlURLs[serviceType]
	return ok
}

type deviceDescription struct {
	XMLName xml.Name `xml:"root"`
	URLBase string   `xml:"URLBase"`
	Device  struct {
		FriendlyName string        `xml:"friendlyName"`
		Manufacturer string        `xml:"manufacturer"`
		ModelName    string        `xml:"modelName"`
		UDN          string        `xml:"UDN"`
		SwGen        string        `xml:"swGen"`
		Services     []serviceDesc `xml:"serviceList>service"`
		Devices      []subDevice   `xml:"deviceList>device"`
	} `xml:"device"`
}

type subDevice struct {
	Services []serviceDesc `xml:"serviceList>service"`
	Devices  []subDevice   `xml:"deviceList>device"`
}

type serviceDesc struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
}

// DeviceCache fetches and caches renderer descriptions per location.
type DeviceCache struct {
	httpClient *http.Client
	cache      *gocache.Cache
}

// NewDeviceCache builds a cache with the given entry TTL.
func NewDeviceCache(ttl time.Duration) *DeviceCache {
	return &DeviceCache{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		cache:      gocache.New(ttl, 2*ttl),
	}
}

// Get fetches the description at location, reusing a cached parse.
func (dc *DeviceCache) Get(ctx context.Context, location string) (*Device, error) {
	if cached, ok := dc.cache.Get(location); ok {
		return cached.(*Device), nil
	}
	dev, err := FetchDescription(ctx, dc.httpClient, location)
	if err != nil {
		return nil, err
	}
	dc.cache.SetDefault(location, dev)
	return dev, nil
}

// Invalidate drops the cached description for a location.
func (dc *DeviceCache) Invalidate(location string) {
	dc.cache.Delete(location)
}

// FetchDescription downloads and parses a device description XML.
// Relative control URLs resolve against URLBase when present, else
// against the description URL.
func FetchDescription(ctx context.Context, client *http.Client, location string) (*Device, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch device description: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch device description: http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil, err
	}
	return ParseDescription(location, body)
}

// ParseDescription parses a device description document.
func ParseDescription(location string, body []byte) (*Device, error) {
	var desc deviceDescription
	if err := xml.Unmarshal(body, &desc); err != nil {
		return nil, fmt.Errorf("parse device description: %w", err)
	}

	base, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	if desc.URLBase != "" {
		if u, err := url.Parse(strings.TrimSpace(desc.URLBase)); err == nil {
			base = u
		}
	}

	dev := &Device{
		Location:     location,
		FriendlyName: desc.Device.FriendlyName,
		Manufacturer: desc.Device.Manufacturer,
		ModelName:    desc.Device.ModelName,
		UDN:          strings.TrimPrefix(desc.Device.UDN, "uuid:"),
		SoftwareGen:  strings.TrimSpace(desc.Device.SwGen),
		ControlURLs:  make(map[string]string),
	}

	addServices(dev, base, desc.Device.Services)
	var walk func([]subDevice)
	walk = func(devices []subDevice) {
		for _, sub := range devices {
			addServices(dev, base, sub.Services)
			walk(sub.Devices)
		}
	}
	walk(desc.Device.Devices)

	if len(dev.ControlURLs) == 0 {
		return nil, fmt.Errorf("device at %s exposes no control services", location)
	}
	return dev, nil
}

func addServices(dev *Device, base *url.URL, services []serviceDesc) {
	for _, s := range services {
		if s.ControlURL == "" {
			continue
		}
		ref, err := url.Parse(s.ControlURL)
		if err != nil {
			continue
		}
		if _, exists := dev.ControlURLs[s.ServiceType]; !exists {
			dev.ControlURLs[s.ServiceType] = base.ResolveReference(ref).String()
		}
	}
}
