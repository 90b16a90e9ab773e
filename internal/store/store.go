/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store persists the runtime-mutable parts of the system in a
// local sqlite file: zone output bindings, per-zone audio overrides and
// the last known group layout. Everything else is configuration and
// lives in the environment or zones.yaml.
package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// Open connects to the sqlite file and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(1) // sqlite: single writer
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := db.AutoMigrate(&OutputBinding{}, &AudioOverride{}, &GroupRow{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveOutputBinding installs or replaces a zone's output binding.
func (s *Store) SaveOutputBinding(b OutputBinding) error {
	b.UpdatedAt = time.Now()
	return s.db.Save(&b).Error
}

// OutputBinding returns a zone's binding; found is false when none is
// stored.
func (s *Store) OutputBinding(zoneID int) (OutputBinding, bool, error) {
	var b OutputBinding
	err := s.db.First(&b, "zone_id = ?", zoneID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return OutputBinding{}, false, nil
	}
	if err != nil {
		return OutputBinding{}, false, err
	}
	return b, true, nil
}

// DeleteOutputBinding removes a zone's binding.
func (s *Store) DeleteOutputBinding(zoneID int) error {
	return s.db.Delete(&OutputBinding{}, "zone_id = ?", zoneID).Error
}

// OutputBindings returns all bindings ordered by zone.
func (s *Store) OutputBindings() ([]OutputBinding, error) {
	var out []OutputBinding
	err := s.db.Order("zone_id").Find(&out).Error
	return out, err
}

// SaveAudioOverride installs or replaces a zone's audio overrides.
func (s *Store) SaveAudioOverride(o AudioOverride) error {
	o.UpdatedAt = time.Now()
	return s.db.Save(&o).Error
}

// AudioOverride returns a zone's audio overrides.
func (s *Store) AudioOverride(zoneID int) (AudioOverride, bool, error) {
	var o AudioOverride
	err := s.db.First(&o, "zone_id = ?", zoneID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AudioOverride{}, false, nil
	}
	if err != nil {
		return AudioOverride{}, false, err
	}
	return o, true, nil
}

// DeleteAudioOverride removes a zone's audio overrides.
func (s *Store) DeleteAudioOverride(zoneID int) error {
	return s.db.Delete(&AudioOverride{}, "zone_id = ?", zoneID).Error
}

// SaveGroup persists a group layout.
func (s *Store) SaveGroup(id string, leader int, members []int) error {
	row := GroupRow{ID: id, Leader: leader, Members: members, UpdatedAt: time.Now()}
	return s.db.Save(&row).Error
}

// DeleteGroup removes a persisted group.
func (s *Store) DeleteGroup(id string) error {
	return s.db.Delete(&GroupRow{}, "id = ?", id).Error
}

// Groups returns every persisted group ordered by id.
func (s *Store) Groups() ([]GroupRow, error) {
	var out []GroupRow
	err := s.db.Order("id").Find(&out).Error
	return out, err
}
