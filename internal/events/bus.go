/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	// Zone lifecycle and playback events.
	EventZoneStarted  EventType = "zone.started"
	EventZonePaused   EventType = "zone.paused"
	EventZoneResumed  EventType = "zone.resumed"
	EventZoneStopped  EventType = "zone.stopped"
	EventZoneEnded    EventType = "zone.ended"
	EventZonePosition EventType = "zone.position"
	EventZoneMetadata EventType = "zone.metadata"
	EventZoneCover    EventType = "zone.cover"
	EventZoneVolume   EventType = "zone.volume"

	// Output fault channel; the single user-visible error surface.
	EventOutputError EventType = "output.error"

	// Gateway observed a renderer GET on a zone's stream endpoint.
	// The DLNA driver uses this to confirm a renderer picked up the URI.
	EventStreamRequest EventType = "stream.request"

	// Group tracker change notifications.
	EventGroupNew    EventType = "group.new"
	EventGroupUpdate EventType = "group.update"
	EventGroupRemove EventType = "group.remove"

	// Outward group snapshot for notifiers; never drives replication.
	EventGroupState EventType = "group.state"

	// Fanout listener statistics.
	EventListenerStats EventType = "listener_stats"

	// Proxy extracted in-band radio metadata for a zone.
	EventRadioMetadata EventType = "radio.metadata"
)

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}
