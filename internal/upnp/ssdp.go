/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package upnp implements the renderer-side UPnP plumbing shared by
// the DLNA and Sonos drivers: SSDP discovery, SOAP control calls,
// DIDL-Lite metadata and device description parsing.
package upnp

import (
	"bufio"
	"context"
	"net"
	"strings"
	"time"
)

const ssdpAddr = "239.255.255.250:1900"

// searchRounds is how often each M-SEARCH is transmitted across the
// listen window. SSDP rides lossy UDP; renderers miss single probes.
const searchRounds = 3

// DefaultSearchTargets are tried in order until a renderer answers.
var DefaultSearchTargets = []string{
	"urn:schemas-upnp-org:device:MediaRenderer:1",
	"urn:schemas-upnp-org:service:AVTransport:1",
	"ssdp:all",
}

// SSDPResponse is one discovery answer.
type SSDPResponse struct {
	Location string
	USN      string
	Server   string
	ST       string
	Headers  map[string]string
	FromIP   string
}

// Search broadcasts M-SEARCH for each target and collects responses
// until the timeout, deduplicated by USN.
func Search(ctx context.Context, targets []string, timeout time.Duration) ([]SSDPResponse, error) {
	if len(targets) == 0 {
		targets = DefaultSearchTargets
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	addr, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return nil, err
	}

	for _, target := range targets {
		if err := sendSearch(conn, addr, target); err != nil {
			return nil, err
		}
	}
	go retransmitSearch(ctx, conn, addr, targets, timeout)

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	responses := make(map[string]SSDPResponse)
	buf := make([]byte, 2048)
	for {
		n, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return toSlice(responses), err
		}

		resp := parseResponse(string(buf[:n]))
		if resp.Location == "" || resp.USN == "" {
			continue
		}
		resp.FromIP = raddr.String()
		if _, exists := responses[resp.USN]; !exists {
			responses[resp.USN] = resp
		}
	}

	return toSlice(responses), nil
}

// retransmitSearch repeats each target over the remaining rounds,
// spaced across the window. Errors end the loop; the socket is gone.
func retransmitSearch(ctx context.Context, conn net.PacketConn, addr net.Addr, targets []string, window time.Duration) {
	interval := window / searchRounds
	for round := 1; round < searchRounds; round++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		for _, target := range targets {
			if err := sendSearch(conn, addr, target); err != nil {
				return
			}
		}
	}
}

func sendSearch(conn net.PacketConn, addr net.Addr, target string) error {
	msg := strings.Join([]string{
		"M-SEARCH * HTTP/1.1",
		"HOST: " + ssdpAddr,
		"MAN: \"ssdp:discover\"",
		"MX: 2",
		"ST: " + target,
		"",
		"",
	}, "\r\n")
	_, err := conn.WriteTo([]byte(msg), addr)
	return err
}

func parseResponse(raw string) SSDPResponse {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	headers := make(map[string]string)

	// Status line.
	scanner.Scan()

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(parts[0]))
		headers[key] = strings.TrimSpace(parts[1])
	}

	return SSDPResponse{
		Location: headers["LOCATION"],
		USN:      headers["USN"],
		Server:   headers["SERVER"],
		ST:       headers["ST"],
		Headers:  headers,
	}
}

func toSlice(responses map[string]SSDPResponse) []SSDPResponse {
	result := make([]SSDPResponse, 0, len(responses))
	for _, r := range responses {
		result = append(result, r)
	}
	return result
}
