/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cast

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	castPort = 8009

	nsConnection = "urn:x-cast:com.google.cast.tp.connection"
	nsHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	nsReceiver   = "urn:x-cast:com.google.cast.receiver"

	senderID         = "sender-zonecast"
	receiverPlatform = "receiver-0"

	launchTimeout     = 10 * time.Second
	heartbeatInterval = 5 * time.Second
)

type dialFunc func(ctx context.Context, addr string) (net.Conn, error)

func tlsDial(ctx context.Context, addr string) (net.Conn, error) {
	d := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 5 * time.Second},
		// Cast devices present self-signed device certificates.
		Config: &tls.Config{InsecureSkipVerify: true},
	}
	return d.DialContext(ctx, "tcp", addr)
}

// client is one authenticated channel to a cast device with a
// launched receiver app.
type client struct {
	host   string
	appID  string
	dial   dialFunc
	logger zerolog.Logger

	// onMessage receives custom-namespace payloads, outside the lock.
	onMessage func(namespace, payload string)

	mu          sync.Mutex
	conn        net.Conn
	transportID string
	requestID   int
	cancel      context.CancelFunc
	launched    chan struct{}
}

func newClient(host, appID string, dial dialFunc, logger zerolog.Logger) *client {
	return &client{host: host, appID: appID, dial: dial, logger: logger}
}

// connect dials the device, launches the receiver app and starts the
// reader and heartbeat loops.
func (c *client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx, net.JoinHostPort(c.host, fmt.Sprintf("%d", castPort)))
	if err != nil {
		return fmt.Errorf("cast dial %s: %w", c.host, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	launched := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.transportID = ""
	c.launched = launched
	c.mu.Unlock()

	go c.readLoop(runCtx, conn)
	go c.heartbeatLoop(runCtx)

	if err := c.send(receiverPlatform, nsConnection, `{"type":"CONNECT"}`); err != nil {
		c.close()
		return err
	}
	if err := c.sendRequest(receiverPlatform, nsReceiver, map[string]any{
		"type":  "LAUNCH",
		"appId": c.appID,
	}); err != nil {
		c.close()
		return err
	}

	select {
	case <-launched:
	case <-time.After(launchTimeout):
		c.close()
		return fmt.Errorf("cast launch of %s timed out", c.appID)
	case <-ctx.Done():
		c.close()
		return ctx.Err()
	}
	return nil
}

func (c *client) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.transportID != ""
}

// sendApp delivers a payload to the launched receiver app.
func (c *client) sendApp(namespace string, payload any) error {
	c.mu.Lock()
	transport := c.transportID
	c.mu.Unlock()
	if transport == "" {
		return fmt.Errorf("cast: receiver not launched")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.send(transport, namespace, string(body))
}

// setVolume uses the platform receiver; level is 0..1.
func (c *client) setVolume(level float64) error {
	return c.sendRequest(receiverPlatform, nsReceiver, map[string]any{
		"type":   "SET_VOLUME",
		"volume": map[string]any{"level": level},
	})
}

// stopApp asks the platform receiver to stop the launched app.
func (c *client) stopApp() error {
	return c.sendRequest(receiverPlatform, nsReceiver, map[string]any{"type": "STOP"})
}

func (c *client) sendRequest(dest, namespace string, payload map[string]any) error {
	c.mu.Lock()
	c.requestID++
	payload["requestId"] = c.requestID
	c.mu.Unlock()
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.send(dest, namespace, string(body))
}

func (c *client) send(dest, namespace, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("cast: not connected")
	}
	return writeFrame(c.conn, &castMessage{
		SourceID:      senderID,
		DestinationID: dest,
		Namespace:     namespace,
		Payload:       payload,
	})
}

func (c *client) readLoop(ctx context.Context, conn net.Conn) {
	for {
		msg, err := readFrame(conn)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("cast channel closed")
			}
			c.close()
			return
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg *castMessage) {
	var envelope struct {
		Type   string `json:"type"`
		Status struct {
			Applications []struct {
				AppID       string `json:"appId"`
				TransportID string `json:"transportId"`
			} `json:"applications"`
		} `json:"status"`
	}
	if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
		c.logger.Debug().Str("namespace", msg.Namespace).Msg("unparseable cast payload")
		return
	}

	switch envelope.Type {
	case "PING":
		_ = c.send(msg.SourceID, nsHeartbeat, `{"type":"PONG"}`)
	case "PONG":
	case "RECEIVER_STATUS":
		for _, app := range envelope.Status.Applications {
			if app.AppID == c.appID && app.TransportID != "" {
				c.adoptTransport(app.TransportID)
			}
		}
	case "CLOSE":
		c.close()
	default:
		if c.onMessage != nil {
			c.onMessage(msg.Namespace, msg.Payload)
		}
	}
}

func (c *client) adoptTransport(transportID string) {
	c.mu.Lock()
	already := c.transportID == transportID
	c.transportID = transportID
	launched := c.launched
	c.mu.Unlock()
	if already {
		return
	}
	// Session-level connect to the app before messaging it.
	_ = c.send(transportID, nsConnection, `{"type":"CONNECT"}`)
	if launched != nil {
		select {
		case <-launched:
		default:
			close(launched)
		}
	}
}

func (c *client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(receiverPlatform, nsHeartbeat, `{"type":"PING"}`); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	c.transportID = ""
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}
