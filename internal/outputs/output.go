/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package outputs defines the capability interface every renderer
// driver implements, and the registry that builds drivers from zone
// declarations. Protocol families live in subpackages.
package outputs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/events"
	"github.com/friendsincode/zonecast/internal/playback"
)

// Output is the capability set shared by all renderer protocols. Play
// must be re-entrant: a new Play during an active one replaces the
// target without an intermediate error.
type Output interface {
	Play(ctx context.Context, session *playback.Session) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	SetVolume(ctx context.Context, level int) error
	UpdateMetadata(ctx context.Context, meta playback.Metadata) error
	Dispose()

	PreferredOutput() playback.PreferredOutput
	HTTPPreferences() playback.HTTPPreferences
}

// SyncServer is the embedded LAN audio-distribution server the
// sendspin driver feeds. Defined here so drivers receive it through
// Deps without a dependency cycle.
type SyncServer interface {
	BindZone(zoneID int, clientID string)
	UnbindZone(zoneID int)
	StartStream(zoneID int, codec string, sampleRate, channels, bitDepth int) error
	Broadcast(zoneID int, pcm []byte) error
	PushMetadata(zoneID int, meta playback.Metadata) error
	SetVolume(zoneID int, level int) error
	ClockMicros() int64
}

// PlayerControl is the slave-player control channel the slim driver
// commands. The concrete server speaks the wire protocol to local
// player subprocesses.
type PlayerControl interface {
	Connected(playerID string) bool
	StartStream(playerID, httpPath string, format byte) error
	Pause(playerID string) error
	Unpause(playerID string) error
	StopStream(playerID string) error
	SetGain(playerID string, level int) error
}

// Deps is what a driver factory gets to work with.
type Deps struct {
	Config  *config.Config
	Bus     *events.Bus
	Service *playback.Service
	Sync    SyncServer
	Players PlayerControl
	Logger  zerolog.Logger
}

// Factory builds a driver for one zone from its declaration.
type Factory func(decl config.ZoneDecl, deps Deps) (Output, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a driver factory under its protocol name. Called
// from driver package init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("outputs: driver %q registered twice", name))
	}
	registry[name] = f
}

// Build constructs the driver named by the zone declaration.
func Build(decl config.ZoneDecl, deps Deps) (Output, error) {
	registryMu.RLock()
	f, ok := registry[decl.Driver]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown output driver %q for zone %d", decl.Driver, decl.ID)
	}
	return f(decl, deps)
}

// Drivers lists the registered protocol names, sorted.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NotifyError publishes the single user-visible fault channel for a
// zone.
func NotifyError(bus *events.Bus, zoneID int, reason string) {
	bus.Publish(events.EventOutputError, events.Payload{
		"zone_id": zoneID,
		"reason":  reason,
	})
}
