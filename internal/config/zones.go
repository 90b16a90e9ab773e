/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ZoneDecl declares a zone and its default output binding in zones.yaml.
type ZoneDecl struct {
	ID      int               `yaml:"id"`
	Name    string            `yaml:"name"`
	Driver  string            `yaml:"driver"` // dlna, sonos, airplay, cast, sendspin, slim
	Host    string            `yaml:"host"`   // renderer address or discovery hint
	Options map[string]string `yaml:"options,omitempty"`

	// Per-zone audio setting overrides; zero values fall back to process defaults.
	SampleRate     int `yaml:"sample_rate,omitempty"`
	Channels       int `yaml:"channels,omitempty"`
	PCMBitDepth    int `yaml:"pcm_bit_depth,omitempty"`
	MP3Bitrate     int `yaml:"mp3_bitrate,omitempty"`
	PrebufferBytes int `yaml:"prebuffer_bytes,omitempty"`
}

// ZonesFile is the top level of zones.yaml.
type ZonesFile struct {
	Zones []ZoneDecl `yaml:"zones"`
}

// ZoneWatcher loads the zones file and notifies on changes.
type ZoneWatcher struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	current ZonesFile

	watcher  *fsnotify.Watcher
	onChange func(ZonesFile)
	done     chan struct{}
}

// LoadZones reads and parses the zones file.
func LoadZones(path string) (ZonesFile, error) {
	var zf ZonesFile
	data, err := os.ReadFile(path)
	if err != nil {
		return zf, fmt.Errorf("read zones file: %w", err)
	}
	if err := yaml.Unmarshal(data, &zf); err != nil {
		return zf, fmt.Errorf("parse zones file: %w", err)
	}
	seen := make(map[int]bool, len(zf.Zones))
	for _, z := range zf.Zones {
		if z.ID <= 0 {
			return zf, fmt.Errorf("zone %q: id must be positive", z.Name)
		}
		if seen[z.ID] {
			return zf, fmt.Errorf("duplicate zone id %d", z.ID)
		}
		seen[z.ID] = true
	}
	return zf, nil
}

// NewZoneWatcher loads the file once and begins watching it for edits.
// onChange runs on the watcher goroutine with the freshly parsed file.
func NewZoneWatcher(path string, logger zerolog.Logger, onChange func(ZonesFile)) (*ZoneWatcher, error) {
	zf, err := LoadZones(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory; editors replace the file rather than write in place.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	zw := &ZoneWatcher{
		path:     path,
		logger:   logger.With().Str("component", "zonewatcher").Logger(),
		current:  zf,
		watcher:  w,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go zw.run()
	return zw, nil
}

// Current returns the last good parse of the zones file.
func (zw *ZoneWatcher) Current() ZonesFile {
	zw.mu.RLock()
	defer zw.mu.RUnlock()
	return zw.current
}

// Close stops watching.
func (zw *ZoneWatcher) Close() error {
	close(zw.done)
	return zw.watcher.Close()
}

func (zw *ZoneWatcher) run() {
	var debounce *time.Timer
	for {
		select {
		case <-zw.done:
			return
		case ev, ok := <-zw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(zw.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Editors emit bursts of events; settle before reloading.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, zw.reload)
		case err, ok := <-zw.watcher.Errors:
			if !ok {
				return
			}
			zw.logger.Warn().Err(err).Msg("zones file watch error")
		}
	}
}

func (zw *ZoneWatcher) reload() {
	zf, err := LoadZones(zw.path)
	if err != nil {
		zw.logger.Error().Err(err).Msg("zones file reload failed, keeping previous config")
		return
	}

	zw.mu.Lock()
	zw.current = zf
	zw.mu.Unlock()

	zw.logger.Info().Int("zones", len(zf.Zones)).Msg("zones file reloaded")
	if zw.onChange != nil {
		zw.onChange(zf)
	}
}
