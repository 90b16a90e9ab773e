/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package bridge mirrors playback events onto MQTT for the house
// automation system: per-zone state, metadata, volume and fault topics
// plus the group layout. Topics under <prefix>/zone/<id>/ are retained
// so a subscriber joining late sees the current state.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/events"
)

const (
	connectTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second
)

// Publisher abstracts the broker connection.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool) error
}

// pahoPublisher wraps the eclipse client.
type pahoPublisher struct {
	mu     sync.Mutex
	client mqtt.Client
}

func (p *pahoPublisher) Publish(topic string, payload []byte, retain bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("not connected to broker")
	}
	token := p.client.Publish(topic, 0, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout on %s", topic)
	}
	return token.Error()
}

// Bridge consumes bus events and publishes them.
type Bridge struct {
	cfg    *config.Config
	bus    *events.Bus
	pub    Publisher
	logger zerolog.Logger
	prefix string

	paho *pahoPublisher
}

// New builds a bridge that connects to the configured broker.
func New(cfg *config.Config, bus *events.Bus, logger zerolog.Logger) *Bridge {
	p := &pahoPublisher{}
	b := newWith(cfg, bus, p, logger)
	b.paho = p
	return b
}

// NewWithPublisher builds a bridge over an existing publisher, used in
// tests.
func NewWithPublisher(cfg *config.Config, bus *events.Bus, pub Publisher, logger zerolog.Logger) *Bridge {
	return newWith(cfg, bus, pub, logger)
}

func newWith(cfg *config.Config, bus *events.Bus, pub Publisher, logger zerolog.Logger) *Bridge {
	prefix := strings.TrimSuffix(cfg.MQTTTopic, "/")
	if prefix == "" {
		prefix = "zonecast"
	}
	return &Bridge{
		cfg:    cfg,
		bus:    bus,
		pub:    pub,
		logger: logger.With().Str("component", "bridge").Logger(),
		prefix: prefix,
	}
}

// Connect dials the broker. The paho client keeps reconnecting on its
// own afterwards.
func (b *Bridge) Connect(ctx context.Context) error {
	if b.paho == nil {
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.MQTTBroker)
	opts.SetClientID(b.cfg.MQTTClientID)
	opts.SetUsername(b.cfg.MQTTUsername)
	opts.SetPassword(b.cfg.MQTTPassword)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		b.logger.Info().Str("broker", b.cfg.MQTTBroker).Msg("connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn().Err(err).Msg("broker connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("broker connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}

	b.paho.mu.Lock()
	b.paho.client = client
	b.paho.mu.Unlock()
	return nil
}

// Close disconnects from the broker.
func (b *Bridge) Close() {
	if b.paho == nil {
		return
	}
	b.paho.mu.Lock()
	client := b.paho.client
	b.paho.client = nil
	b.paho.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}

// Run mirrors bus events onto the broker until the context ends.
func (b *Bridge) Run(ctx context.Context) {
	started := b.bus.Subscribe(events.EventZoneStarted)
	paused := b.bus.Subscribe(events.EventZonePaused)
	resumed := b.bus.Subscribe(events.EventZoneResumed)
	stopped := b.bus.Subscribe(events.EventZoneStopped)
	ended := b.bus.Subscribe(events.EventZoneEnded)
	metadata := b.bus.Subscribe(events.EventZoneMetadata)
	volume := b.bus.Subscribe(events.EventZoneVolume)
	faults := b.bus.Subscribe(events.EventOutputError)
	groups := b.bus.Subscribe(events.EventGroupState)

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-started:
			b.publishState(p, "playing")
		case p := <-paused:
			b.publishState(p, "paused")
		case p := <-resumed:
			b.publishState(p, "playing")
		case p := <-stopped:
			b.publishState(p, "stopped")
		case p := <-ended:
			b.publishState(p, "stopped")
		case p := <-metadata:
			b.publishZone(p, "metadata", true)
		case p := <-volume:
			b.publishZone(p, "volume", true)
		case p := <-faults:
			b.publishZone(p, "error", false)
		case p := <-groups:
			b.publishGroup(p)
		}
	}
}

func (b *Bridge) publishState(p events.Payload, state string) {
	zoneID, ok := payloadInt(p, "zone_id")
	if !ok {
		return
	}
	body := events.Payload{"state": state}
	if pos, ok := payloadInt(p, "position"); ok {
		body["position"] = pos
	}
	b.send(b.zoneTopic(zoneID, "state"), body, true)
}

func (b *Bridge) publishZone(p events.Payload, leaf string, retain bool) {
	zoneID, ok := payloadInt(p, "zone_id")
	if !ok {
		return
	}
	body := make(events.Payload, len(p))
	for k, v := range p {
		if k == "zone_id" {
			continue
		}
		body[k] = v
	}
	b.send(b.zoneTopic(zoneID, leaf), body, retain)
}

func (b *Bridge) publishGroup(p events.Payload) {
	id, _ := p["group_id"].(string)
	if id == "" {
		return
	}
	b.send(b.prefix+"/group/"+id, p, true)
}

func (b *Bridge) send(topic string, body events.Payload, retain bool) {
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	if err := b.pub.Publish(topic, raw, retain); err != nil {
		b.logger.Debug().Err(err).Str("topic", topic).Msg("publish failed")
	}
}

func (b *Bridge) zoneTopic(zoneID int, leaf string) string {
	return b.prefix + "/zone/" + strconv.Itoa(zoneID) + "/" + leaf
}

func payloadInt(p events.Payload, key string) (int, bool) {
	switch n := p[key].(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
