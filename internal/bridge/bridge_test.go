/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/events"
)

type recordedMessage struct {
	topic   string
	payload map[string]any
	retain  bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []recordedMessage
}

func (f *fakePublisher) Publish(topic string, payload []byte, retain bool) error {
	var body map[string]any
	_ = json.Unmarshal(payload, &body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, recordedMessage{topic: topic, payload: body, retain: retain})
	return nil
}

func (f *fakePublisher) find(topic string) (recordedMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if m.topic == topic {
			return m, true
		}
	}
	return recordedMessage{}, false
}

func runTestBridge(t *testing.T) (*events.Bus, *fakePublisher) {
	t.Helper()
	bus := events.NewBus()
	pub := &fakePublisher{}
	cfg := &config.Config{MQTTTopic: "zonecast"}
	b := NewWithPublisher(cfg, bus, pub, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	return bus, pub
}

func TestStateTopics(t *testing.T) {
	bus, pub := runTestBridge(t)

	bus.Publish(events.EventZoneStarted, events.Payload{"zone_id": 3, "position": 30})
	require.Eventually(t, func() bool {
		_, ok := pub.find("zonecast/zone/3/state")
		return ok
	}, time.Second, 10*time.Millisecond)

	m, _ := pub.find("zonecast/zone/3/state")
	assert.Equal(t, "playing", m.payload["state"])
	assert.Equal(t, float64(30), m.payload["position"])
	assert.True(t, m.retain)
}

func TestMetadataStripsZoneID(t *testing.T) {
	bus, pub := runTestBridge(t)

	bus.Publish(events.EventZoneMetadata, events.Payload{
		"zone_id": 4,
		"title":   "Song",
		"artist":  "Artist",
	})
	require.Eventually(t, func() bool {
		_, ok := pub.find("zonecast/zone/4/metadata")
		return ok
	}, time.Second, 10*time.Millisecond)

	m, _ := pub.find("zonecast/zone/4/metadata")
	assert.Equal(t, "Song", m.payload["title"])
	assert.NotContains(t, m.payload, "zone_id")
}

func TestErrorTopicNotRetained(t *testing.T) {
	bus, pub := runTestBridge(t)

	bus.Publish(events.EventOutputError, events.Payload{"zone_id": 5, "reason": "renderer gone"})
	require.Eventually(t, func() bool {
		_, ok := pub.find("zonecast/zone/5/error")
		return ok
	}, time.Second, 10*time.Millisecond)

	m, _ := pub.find("zonecast/zone/5/error")
	assert.Equal(t, "renderer gone", m.payload["reason"])
	assert.False(t, m.retain)
}

func TestGroupStateTopic(t *testing.T) {
	bus, pub := runTestBridge(t)

	bus.Publish(events.EventGroupState, events.Payload{
		"group_id": "g1",
		"leader":   1,
		"members":  []int{1, 2},
		"active":   true,
	})
	require.Eventually(t, func() bool {
		_, ok := pub.find("zonecast/group/g1")
		return ok
	}, time.Second, 10*time.Millisecond)

	m, _ := pub.find("zonecast/group/g1")
	assert.Equal(t, true, m.payload["active"])
	assert.True(t, m.retain)
}

func TestEventWithoutZoneIDIgnored(t *testing.T) {
	bus, pub := runTestBridge(t)

	bus.Publish(events.EventZoneStopped, events.Payload{"reason": "no zone"})
	time.Sleep(50 * time.Millisecond)
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Empty(t, pub.msgs)
}
