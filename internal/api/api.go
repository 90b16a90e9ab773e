/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api is the local admin surface: zone status and commands,
// renderer discovery, output bindings, audio overrides, groups, logs
// and a sanitized config dump. It is not authenticated; the server
// binds it to the LAN-facing listener the same way the streams are.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/groups"
	"github.com/friendsincode/zonecast/internal/logbuffer"
	"github.com/friendsincode/zonecast/internal/outputs"
	"github.com/friendsincode/zonecast/internal/playback"
	"github.com/friendsincode/zonecast/internal/store"
	"github.com/friendsincode/zonecast/internal/upnp"
	"github.com/friendsincode/zonecast/internal/zones"
)

// discoveryTimeout bounds the SSDP sweep behind /audio/devices.
const discoveryTimeout = 3 * time.Second

// ZoneCommander is the zone manager slice the command endpoints drive.
type ZoneCommander interface {
	Statuses() []zones.ZoneStatus
	PlayZoneURI(ctx context.Context, zoneID int, uri string, meta playback.Metadata, startAt int) error
	PauseZone(ctx context.Context, zoneID int) error
	ResumeZone(ctx context.Context, zoneID int) error
	StopZone(ctx context.Context, zoneID int) error
	SetZoneVolume(ctx context.Context, zoneID, level int) error
}

// GroupAPI is the group layer slice the group endpoints drive.
type GroupAPI interface {
	Upsert(id string, leader int, members []int) (groups.Record, groups.Change)
	Remove(id string) (groups.Record, bool)
	Groups() []groups.Record
}

// VolumeAPI runs the group volume algorithms.
type VolumeAPI interface {
	ApplyMasterVolume(ctx context.Context, zoneID, target int) error
	ApplySpecGroupVolume(ctx context.Context, zoneID, target int) error
}

// PlayerLister exposes connected slim players.
type PlayerLister interface {
	Players() []PlayerEntry
}

// PlayerEntry is one connected slave player.
type PlayerEntry struct {
	ID    string `json:"id"`
	Model string `json:"model"`
}

// API exposes the admin HTTP handlers.
type API struct {
	cfg     *config.Config
	zones   ZoneCommander
	groups  GroupAPI
	volumes VolumeAPI
	store   *store.Store
	players PlayerLister
	logBuf  *logbuffer.Buffer
	logger  zerolog.Logger
}

// New creates the admin API. store, players and logBuf may be nil when
// the matching subsystem is disabled; their endpoints then answer 503.
func New(cfg *config.Config, zc ZoneCommander, g GroupAPI, v VolumeAPI, st *store.Store, players PlayerLister, logBuf *logbuffer.Buffer, logger zerolog.Logger) *API {
	return &API{
		cfg:     cfg,
		zones:   zc,
		groups:  g,
		volumes: v,
		store:   st,
		players: players,
		logBuf:  logBuf,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts the admin endpoints on a fresh router.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/zones", a.handleZones)
	r.Post("/audio/{zone}/{cmd}", a.handleZoneCommand)
	r.Post("/audio/{zone}/{cmd}/{arg}", a.handleZoneCommand)

	r.Get("/audio/devices", a.handleDevices)
	r.Get("/audio/squeezelite/players", a.handleSlimPlayers)
	r.Get("/transports", a.handleTransports)

	r.Get("/zones/{zone}/output", a.handleGetOutput)
	r.Post("/zones/{zone}/output", a.handleSetOutput)
	r.Delete("/zones/{zone}/output", a.handleDeleteOutput)

	r.Get("/zones/{zone}/audio", a.handleGetAudio)
	r.Put("/zones/{zone}/audio", a.handleSetAudio)
	r.Delete("/zones/{zone}/audio", a.handleDeleteAudio)

	r.Get("/groups", a.handleGroups)
	r.Put("/groups/{group}", a.handleUpsertGroup)
	r.Delete("/groups/{group}", a.handleRemoveGroup)
	r.Post("/groups/{group}/volume", a.handleGroupVolume)

	r.Get("/config", a.handleConfig)
	r.Get("/logs", a.handleLogs)

	return r
}

// CommandRoutes mounts only the house-automation command fan-in. The
// server exposes it a second time at the root /audio path, matching the
// upstream controller's audio/<zone>/<cmd> URL family.
func (a *API) CommandRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{zone}/{cmd}", a.handleZoneCommand)
	r.Post("/{zone}/{cmd}/{arg}", a.handleZoneCommand)
	return r
}

func (a *API) handleZones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.zones.Statuses())
}

// handleZoneCommand is the house-automation fan-in: play, pause,
// resume, stop and volume mapped onto the zone player.
func (a *API) handleZoneCommand(w http.ResponseWriter, r *http.Request) {
	zoneID, err := strconv.Atoi(chi.URLParam(r, "zone"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad zone id")
		return
	}
	cmd := chi.URLParam(r, "cmd")
	arg := chi.URLParam(r, "arg")

	ctx := r.Context()
	switch cmd {
	case "play":
		var body struct {
			URI      string            `json:"uri"`
			StartAt  int               `json:"start_at"`
			Metadata playback.Metadata `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URI == "" {
			writeError(w, http.StatusBadRequest, "play needs a uri")
			return
		}
		err = a.zones.PlayZoneURI(ctx, zoneID, body.URI, body.Metadata, body.StartAt)
	case "pause":
		err = a.zones.PauseZone(ctx, zoneID)
	case "resume":
		err = a.zones.ResumeZone(ctx, zoneID)
	case "stop":
		err = a.zones.StopZone(ctx, zoneID)
	case "volume":
		level, convErr := strconv.Atoi(arg)
		if convErr != nil {
			writeError(w, http.StatusBadRequest, "volume needs a level")
			return
		}
		err = a.zones.SetZoneVolume(ctx, zoneID, level)
	default:
		writeError(w, http.StatusNotFound, "unknown command "+cmd)
		return
	}

	if err != nil {
		a.logger.Warn().Err(err).Int("zone", zoneID).Str("cmd", cmd).Msg("zone command failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleDevices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), discoveryTimeout+time.Second)
	defer cancel()
	responses, err := upnp.Search(ctx, []string{
		"urn:schemas-upnp-org:device:MediaRenderer:1",
		"ssdp:all",
	}, discoveryTimeout)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, responses)
}

func (a *API) handleSlimPlayers(w http.ResponseWriter, r *http.Request) {
	if a.players == nil {
		writeError(w, http.StatusServiceUnavailable, "slim server disabled")
		return
	}
	writeJSON(w, http.StatusOK, a.players.Players())
}

func (a *API) handleTransports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, outputs.Drivers())
}

func (a *API) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	zoneID, ok := a.zoneParam(w, r)
	if !ok || !a.requireStore(w) {
		return
	}
	b, found, err := a.store.OutputBinding(zoneID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no binding")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) handleSetOutput(w http.ResponseWriter, r *http.Request) {
	zoneID, ok := a.zoneParam(w, r)
	if !ok || !a.requireStore(w) {
		return
	}
	var b store.OutputBinding
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil || b.Driver == "" {
		writeError(w, http.StatusBadRequest, "binding needs a driver")
		return
	}
	b.ZoneID = zoneID
	if err := a.store.SaveOutputBinding(b); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) handleDeleteOutput(w http.ResponseWriter, r *http.Request) {
	zoneID, ok := a.zoneParam(w, r)
	if !ok || !a.requireStore(w) {
		return
	}
	if err := a.store.DeleteOutputBinding(zoneID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetAudio(w http.ResponseWriter, r *http.Request) {
	zoneID, ok := a.zoneParam(w, r)
	if !ok || !a.requireStore(w) {
		return
	}
	o, found, err := a.store.AudioOverride(zoneID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no override")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *API) handleSetAudio(w http.ResponseWriter, r *http.Request) {
	zoneID, ok := a.zoneParam(w, r)
	if !ok || !a.requireStore(w) {
		return
	}
	var o store.AudioOverride
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeError(w, http.StatusBadRequest, "bad override body")
		return
	}
	o.ZoneID = zoneID
	if err := a.store.SaveAudioOverride(o); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *API) handleDeleteAudio(w http.ResponseWriter, r *http.Request) {
	zoneID, ok := a.zoneParam(w, r)
	if !ok || !a.requireStore(w) {
		return
	}
	if err := a.store.DeleteAudioOverride(zoneID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.groups.Groups())
}

func (a *API) handleUpsertGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "group")
	var body struct {
		Leader  int   `json:"leader"`
		Members []int `json:"members"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Leader == 0 {
		writeError(w, http.StatusBadRequest, "group needs a leader")
		return
	}
	rec, change := a.groups.Upsert(id, body.Leader, body.Members)
	status := http.StatusOK
	if change == groups.ChangeNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, rec)
}

func (a *API) handleRemoveGroup(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.groups.Remove(chi.URLParam(r, "group")); !ok {
		writeError(w, http.StatusNotFound, "no such group")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGroupVolume runs one of the two group volume algorithms:
// mode "master" shifts by the leader delta, mode "spec" (default)
// converges the group mean on the target.
func (a *API) handleGroupVolume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "group")
	rec, found := a.findGroup(id)
	if !found {
		writeError(w, http.StatusNotFound, "no such group")
		return
	}
	var body struct {
		Target int    `json:"target"`
		Mode   string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad volume body")
		return
	}

	var err error
	switch body.Mode {
	case "master":
		err = a.volumes.ApplyMasterVolume(r.Context(), rec.Leader, body.Target)
	case "", "spec":
		err = a.volumes.ApplySpecGroupVolume(r.Context(), rec.Leader, body.Target)
	default:
		writeError(w, http.StatusBadRequest, "unknown mode "+body.Mode)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig returns the effective configuration without secrets.
func (a *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"environment":           a.cfg.Environment,
		"http_port":             a.cfg.HTTPPort,
		"base_url":              a.cfg.BaseURL,
		"zones_file":            a.cfg.ZonesFile,
		"sample_rate":           a.cfg.SampleRate,
		"channels":              a.cfg.Channels,
		"pcm_bit_depth":         a.cfg.PCMBitDepth,
		"mp3_bitrate":           a.cfg.MP3Bitrate,
		"prebuffer_bytes":       a.cfg.PrebufferBytes,
		"subscriber_limit":      a.cfg.SubscriberLimit,
		"http_fallback_seconds": a.cfg.HTTPFallbackSeconds,
		"mqtt_enabled":          a.cfg.MQTTEnabled,
		"slim_enabled":          a.cfg.SlimEnabled,
		"sendspin_enabled":      a.cfg.SendspinEnabled,
		"transports":            outputs.Drivers(),
	})
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if a.logBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "log buffer disabled")
		return
	}
	entries := a.logBuf.GetAll()
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && limit < len(entries) {
		entries = entries[len(entries)-limit:]
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) findGroup(id string) (groups.Record, bool) {
	for _, rec := range a.groups.Groups() {
		if rec.ID == id {
			return rec, true
		}
	}
	return groups.Record{}, false
}

func (a *API) zoneParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	zoneID, err := strconv.Atoi(chi.URLParam(r, "zone"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad zone id")
		return 0, false
	}
	return zoneID, true
}

func (a *API) requireStore(w http.ResponseWriter) bool {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store disabled")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
