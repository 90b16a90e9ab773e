/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package airplay

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	serviceRAOP    = "_raop._tcp"
	serviceAirPlay = "_airplay._tcp"

	defaultRAOPPort    = 5000
	defaultAirPlayPort = 7000
)

// Target is a discovered speaker endpoint.
type Target struct {
	Name string
	IP   net.IP
	Port int
	TXT  map[string]string
	// AirPlay2 selects the airplay service over legacy raop.
	AirPlay2 bool
}

// lookupFunc is the mdns query seam for tests.
type lookupFunc func(service string, timeout time.Duration) ([]*mdns.ServiceEntry, error)

func mdnsLookup(service string, timeout time.Duration) ([]*mdns.ServiceEntry, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	var found []*mdns.ServiceEntry
	done := make(chan struct{})
	go func() {
		for e := range entries {
			found = append(found, e)
		}
		close(done)
	}()

	err := mdns.Query(&mdns.QueryParam{
		Service:     service,
		Domain:      "local",
		Timeout:     timeout,
		Entries:     entries,
		DisableIPv6: true,
	})
	close(entries)
	<-done
	if err != nil {
		return nil, err
	}
	return found, nil
}

// discover finds the speaker for host. AirPlay 2 devices advertise the
// airplay service; legacy devices only raop. forceAp2 skips the raop
// preference for devices that advertise both poorly.
func discover(ctx context.Context, lookup lookupFunc, host string, forceAp2 bool, timeout time.Duration) (*Target, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain < timeout {
			timeout = remain
		}
	}

	airplayEntry := matchEntry(lookup, serviceAirPlay, host, timeout)
	raopEntry := matchEntry(lookup, serviceRAOP, host, timeout)
	if airplayEntry == nil && raopEntry == nil {
		return nil, fmt.Errorf("no airplay speaker found for %s", host)
	}

	useAp2 := forceAp2 || (airplayEntry != nil && advertisesAp2(txtMap(airplayEntry.InfoFields)))
	if useAp2 && airplayEntry != nil {
		return entryTarget(airplayEntry, true, defaultAirPlayPort), nil
	}
	if raopEntry != nil {
		return entryTarget(raopEntry, false, defaultRAOPPort), nil
	}
	return entryTarget(airplayEntry, useAp2, defaultAirPlayPort), nil
}

func matchEntry(lookup lookupFunc, service, host string, timeout time.Duration) *mdns.ServiceEntry {
	entries, err := lookup(service, timeout)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e.AddrV4 != nil && e.AddrV4.String() == host {
			return e
		}
		if strings.Contains(strings.ToLower(e.Name), strings.ToLower(host)) {
			return e
		}
	}
	return nil
}

func entryTarget(e *mdns.ServiceEntry, ap2 bool, fallbackPort int) *Target {
	port := e.Port
	if port == 0 {
		port = fallbackPort
	}
	return &Target{
		Name:     e.Name,
		IP:       e.AddrV4,
		Port:     port,
		TXT:      txtMap(e.InfoFields),
		AirPlay2: ap2,
	}
}

// advertisesAp2 checks the features bitmask for the AirPlay 2
// buffered-audio bit. Features come as a single "0xHEX" value or as
// "0xLOW,0xHIGH" with the upper 32 bits in the second part.
func advertisesAp2(txt map[string]string) bool {
	features, ok := txt["features"]
	if !ok {
		return false
	}
	parts := strings.Split(features, ",")
	var combined uint64
	for i, part := range parts {
		part = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(part)), "0x")
		var bits uint64
		if _, err := fmt.Sscanf(part, "%x", &bits); err != nil {
			return false
		}
		if i == 1 {
			bits <<= 32
		}
		combined |= bits
	}
	const ap2BufferedAudio = 1 << 38
	return combined&ap2BufferedAudio != 0
}

func txtMap(fields []string) map[string]string {
	txt := make(map[string]string, len(fields))
	for _, f := range fields {
		if i := strings.Index(f, "="); i >= 0 {
			txt[f[:i]] = f[i+1:]
		} else if f != "" {
			txt[f] = ""
		}
	}
	return txt
}
