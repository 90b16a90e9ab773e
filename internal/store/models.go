/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import "time"

// OutputBinding maps a zone to its renderer. A row here overrides the
// zones.yaml declaration until it is deleted.
type OutputBinding struct {
	ZoneID    int               `gorm:"primaryKey"`
	Driver    string            `gorm:"size:32;not null"`
	Host      string            `gorm:"size:255"`
	Options   map[string]string `gorm:"serializer:json"`
	UpdatedAt time.Time
}

// AudioOverride carries a zone's persisted audio setting overrides.
// Zero fields fall back to process defaults.
type AudioOverride struct {
	ZoneID         int `gorm:"primaryKey"`
	SampleRate     int
	Channels       int
	PCMBitDepth    int
	MP3Bitrate     int
	PrebufferBytes int
	UpdatedAt      time.Time
}

// GroupRow is the persisted form of a playback group, restored on
// startup so renderers regroup after a restart.
type GroupRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	Leader    int    `gorm:"not null"`
	Members   []int  `gorm:"serializer:json"`
	UpdatedAt time.Time
}
