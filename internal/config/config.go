/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	BaseURL     string // Public base URL renderers fetch streams from (e.g., http://192.168.1.10:8890)

	// Media pipeline
	FFmpegBin          string
	InitialDataTimeout time.Duration // no-data watchdog for non-realtime inputs
	RestartBackoffMax  time.Duration

	// Zone configuration
	ZonesFile string // YAML zone/output declarations
	DBPath    string // sqlite file for runtime-mutable settings

	// Default output audio settings (overridable per zone)
	SampleRate      int
	Channels        int
	PCMBitDepth     int
	MP3Bitrate      int
	PrebufferBytes  int
	SubscriberLimit int // per-subscriber queue bound in bytes

	// Stream gateway
	HTTPFallbackSeconds int // forced content-length horizon when duration unknown
	SyncJoinTimeout     time.Duration

	// Proxy
	ProxyMaxPlaylistBytes int64

	// House-automation event bridge (MQTT)
	MQTTEnabled  bool
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTTopic    string // topic prefix, default "zonecast"

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Slave player (squeezelite-style) control
	SlimEnabled bool
	SlimAddr    string

	// Sendspin LAN sync server
	SendspinEnabled bool
	SendspinPort    int
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ZONECAST_ENV", "development"),
		HTTPBind:    getEnv("ZONECAST_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("ZONECAST_HTTP_PORT", 8890),
		BaseURL:     getEnv("ZONECAST_BASE_URL", ""),

		FFmpegBin:          getEnv("ZONECAST_FFMPEG_BIN", "ffmpeg"),
		InitialDataTimeout: time.Duration(getEnvInt("ZONECAST_INITIAL_DATA_TIMEOUT_SECONDS", 15)) * time.Second,
		RestartBackoffMax:  time.Duration(getEnvInt("ZONECAST_RESTART_BACKOFF_MAX_SECONDS", 16)) * time.Second,

		ZonesFile: getEnv("ZONECAST_ZONES_FILE", "./zones.yaml"),
		DBPath:    getEnv("ZONECAST_DB_PATH", "./zonecast.db"),

		SampleRate:      getEnvInt("ZONECAST_SAMPLE_RATE", 44100),
		Channels:        getEnvInt("ZONECAST_CHANNELS", 2),
		PCMBitDepth:     getEnvInt("ZONECAST_PCM_BIT_DEPTH", 16),
		MP3Bitrate:      getEnvInt("ZONECAST_MP3_BITRATE", 320),
		PrebufferBytes:  getEnvInt("ZONECAST_PREBUFFER_BYTES", 128*1024),
		SubscriberLimit: getEnvInt("ZONECAST_SUBSCRIBER_LIMIT_BYTES", 512*1024),

		HTTPFallbackSeconds: getEnvInt("ZONECAST_HTTP_FALLBACK_SECONDS", 3600),
		SyncJoinTimeout:     time.Duration(getEnvInt("ZONECAST_SYNC_JOIN_TIMEOUT_SECONDS", 10)) * time.Second,

		ProxyMaxPlaylistBytes: int64(getEnvInt("ZONECAST_PROXY_MAX_PLAYLIST_BYTES", 1024*1024)),

		MQTTEnabled:  getEnvBool("ZONECAST_MQTT_ENABLED", false),
		MQTTBroker:   getEnv("ZONECAST_MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID: getEnv("ZONECAST_MQTT_CLIENT_ID", "zonecast"),
		MQTTUsername: getEnv("ZONECAST_MQTT_USERNAME", ""),
		MQTTPassword: getEnv("ZONECAST_MQTT_PASSWORD", ""),
		MQTTTopic:    getEnv("ZONECAST_MQTT_TOPIC", "zonecast"),

		TracingEnabled:    getEnvBool("ZONECAST_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("ZONECAST_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("ZONECAST_TRACING_SAMPLE_RATE", 1.0),

		SlimEnabled: getEnvBool("ZONECAST_SLIM_ENABLED", false),
		SlimAddr:    getEnv("ZONECAST_SLIM_ADDR", "127.0.0.1:9001"),

		SendspinEnabled: getEnvBool("ZONECAST_SENDSPIN_ENABLED", true),
		SendspinPort:    getEnvInt("ZONECAST_SENDSPIN_PORT", 8927),
	}

	if cfg.Channels != 1 && cfg.Channels != 2 {
		return nil, fmt.Errorf("ZONECAST_CHANNELS must be 1 or 2, got %d", cfg.Channels)
	}
	switch cfg.PCMBitDepth {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("ZONECAST_PCM_BIT_DEPTH must be 16, 24 or 32, got %d", cfg.PCMBitDepth)
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("ZONECAST_SAMPLE_RATE must be positive, got %d", cfg.SampleRate)
	}
	if cfg.MQTTEnabled && cfg.MQTTBroker == "" {
		return nil, fmt.Errorf("ZONECAST_MQTT_BROKER must be provided when MQTT is enabled")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}
