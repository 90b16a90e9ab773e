/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package gateway serves live zone audio over HTTP. Renderers fetch
// /streams/<zone>/<id>.<ext> where the id is the session's current
// stream handle or the literal "current". Responses are shaped by the
// driver's HTTP preferences: chunked or forced content length, optional
// in-band ICY metadata, and a RIFF prefix for raw PCM.
package gateway

import (
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/engine"
	"github.com/friendsincode/zonecast/internal/events"
	"github.com/friendsincode/zonecast/internal/icy"
	"github.com/friendsincode/zonecast/internal/playback"
)

// coverFetchTimeout bounds the proxied cover URL fetch.
const coverFetchTimeout = 10 * time.Second

// StreamService is the slice of the playback layer the gateway reads:
// session lookup and subscriber creation. *playback.Service satisfies it.
type StreamService interface {
	CreateStream(zoneID int, profile engine.Profile, label string, primeWithBuffer bool) (*engine.Subscriber, engine.OutputSpec, error)
	Lookup(zoneID int, streamID string) (*playback.Session, bool)
	Session(zoneID int) (*playback.Session, bool)
}

// Handler is the stream gateway. Mount it under /streams.
type Handler struct {
	cfg    *config.Config
	svc    StreamService
	bus    *events.Bus
	logger zerolog.Logger
	sync   *syncHub
	router chi.Router
}

// New builds the gateway handler.
func New(cfg *config.Config, svc StreamService, bus *events.Bus, logger zerolog.Logger) *Handler {
	h := &Handler{
		cfg:    cfg,
		svc:    svc,
		bus:    bus,
		logger: logger.With().Str("component", "gateway").Logger(),
	}
	h.sync = newSyncHub(cfg.SyncJoinTimeout, svc, h.logger)

	r := chi.NewRouter()
	r.Get("/{zone}/{stream}", h.handleStream)
	r.Get("/{zone}/{stream}/cover", h.handleCover)
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// streamPlan is the computed response shape for one stream request.
type streamPlan struct {
	zoneID  int
	profile engine.Profile

	contentType   string
	icyName       string
	contentLength int64 // 0 means chunked
	wav           bool
	icyMetaint    int // 0 means no in-band metadata
}

func (p streamPlan) applyHeaders(w http.ResponseWriter) {
	hdr := w.Header()
	hdr.Set("Content-Type", p.contentType)
	hdr.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	hdr.Set("Pragma", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	if p.icyName != "" {
		hdr.Set("icy-name", p.icyName)
	}
	if p.icyMetaint > 0 {
		hdr.Set("icy-metaint", strconv.Itoa(p.icyMetaint))
	}
	if p.contentLength > 0 {
		hdr.Set("Content-Length", strconv.FormatInt(p.contentLength, 10))
	} else {
		hdr.Del("Content-Length")
	}
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	zoneID, err := strconv.Atoi(chi.URLParam(r, "zone"))
	if err != nil {
		http.Error(w, "bad zone id", http.StatusBadRequest)
		return
	}
	name := chi.URLParam(r, "stream")
	ext := strings.TrimPrefix(path.Ext(name), ".")
	streamID := strings.TrimSuffix(name, "."+ext)

	profile, ok := profileForExtension(ext)
	if !ok {
		http.Error(w, "unknown stream format", http.StatusNotFound)
		return
	}

	sess, ok := h.svc.Lookup(zoneID, streamID)
	if !ok {
		http.Error(w, "no such stream", http.StatusNotFound)
		return
	}

	// The DLNA driver gates its Play command on this observation.
	h.bus.Publish(events.EventStreamRequest, events.Payload{
		"zone_id":   zoneID,
		"stream_id": streamID,
		"remote":    r.RemoteAddr,
	})

	plan := h.planFor(zoneID, profile, sess, r)

	if token := r.URL.Query().Get("sync"); token != "" {
		expect, _ := strconv.Atoi(r.URL.Query().Get("expect"))
		if expect >= 2 {
			// Sample-identical delivery; in-band metadata stays off so
			// every member receives the exact engine byte sequence.
			plan.icyMetaint = 0
			h.sync.join(w, r, token, expect, plan)
			return
		}
	}

	h.serveSingle(w, r, plan, sess)
}

// planFor derives the response shape from the session's driver
// preferences and audio settings.
func (h *Handler) planFor(zoneID int, profile engine.Profile, sess *playback.Session, r *http.Request) streamPlan {
	prefs := sess.Prefs.HTTP
	plan := streamPlan{
		zoneID:      zoneID,
		profile:     profile,
		contentType: profile.ContentType(),
		icyName:     prefs.IcyName,
		wav:         profile == engine.ProfilePCM,
	}

	if prefs.IcyEnabled && r.Header.Get("Icy-MetaData") == "1" {
		plan.icyMetaint = prefs.IcyInterval
		if plan.icyMetaint <= 0 {
			plan.icyMetaint = sess.Settings.HTTPIcyInterval
		}
		if plan.icyMetaint <= 0 {
			plan.icyMetaint = icy.DefaultMetaInt
		}
	}

	// In-band metadata changes the byte count, so forced length only
	// applies to plain streams.
	if prefs.Profile == playback.HTTPForcedLength && plan.icyMetaint == 0 {
		secs := sess.Duration
		if secs <= 0 {
			secs = h.cfg.HTTPFallbackSeconds
		}
		spec := specFor(profile, sess.Settings)
		plan.contentLength = int64(spec.BytesPerSecond()) * int64(secs)
		if plan.wav {
			plan.contentLength += wavHeaderSize
		}
	}
	return plan
}

func (h *Handler) serveSingle(w http.ResponseWriter, r *http.Request, plan streamPlan, sess *playback.Session) {
	sub, spec, err := h.svc.CreateStream(plan.zoneID, plan.profile, "gateway", true)
	if err != nil {
		http.Error(w, "stream not available", http.StatusConflict)
		return
	}
	defer sub.Close()

	// Request abort must release the subscriber even while Recv blocks.
	go func() {
		<-r.Context().Done()
		sub.Close()
	}()

	plan.applyHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher := flusherFor(w, h.logger)

	var out io.Writer = w
	if plan.icyMetaint > 0 {
		zoneID := plan.zoneID
		out = newIcyWriter(w, plan.icyMetaint, func() icy.Metadata {
			if s, ok := h.svc.Session(zoneID); ok {
				return icy.Metadata{Artist: s.Metadata.Artist, Title: s.Metadata.Title}
			}
			return icy.Metadata{}
		})
	}

	if plan.wav {
		if _, err := w.Write(wavHeader(spec, plan.contentLength-wavHeaderSize)); err != nil {
			return
		}
		flusher.Flush()
	}

	h.publishListenerStats(plan, "connect")
	defer h.publishListenerStats(plan, "disconnect")
	h.logger.Debug().
		Int("zone", plan.zoneID).
		Str("profile", string(plan.profile)).
		Str("remote", r.RemoteAddr).
		Msg("renderer attached")

	for {
		data, ok := sub.Recv()
		if !ok {
			return
		}
		if _, err := out.Write(data); err != nil {
			h.logger.Debug().Err(err).Int("zone", plan.zoneID).Msg("renderer write failed")
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) handleCover(w http.ResponseWriter, r *http.Request) {
	zoneID, err := strconv.Atoi(chi.URLParam(r, "zone"))
	if err != nil {
		http.Error(w, "bad zone id", http.StatusBadRequest)
		return
	}
	sess, ok := h.svc.Lookup(zoneID, chi.URLParam(r, "stream"))
	if !ok {
		http.Error(w, "no such stream", http.StatusNotFound)
		return
	}

	if sess.Cover != nil {
		ct := sess.Cover.ContentType
		if ct == "" {
			ct = "image/jpeg"
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Content-Length", strconv.Itoa(len(sess.Cover.Data)))
		_, _ = w.Write(sess.Cover.Data)
		return
	}

	coverURL := sess.Metadata.CoverURL
	switch {
	case strings.HasPrefix(coverURL, "data:"):
		data, ct, err := decodeDataURI(coverURL)
		if err != nil {
			http.Error(w, "bad cover data", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	case strings.HasPrefix(coverURL, "http://"), strings.HasPrefix(coverURL, "https://"):
		h.proxyCover(w, r, coverURL)
	default:
		http.Error(w, "no cover", http.StatusNotFound)
	}
}

func (h *Handler) proxyCover(w http.ResponseWriter, r *http.Request, coverURL string) {
	ctx, cancel := contextWithTimeout(r, coverFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, coverURL, nil)
	if err != nil {
		http.Error(w, "bad cover url", http.StatusNotFound)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		http.Error(w, "cover fetch failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		http.Error(w, "cover fetch failed", http.StatusBadGateway)
		return
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	_, _ = io.Copy(w, resp.Body)
}

func (h *Handler) publishListenerStats(plan streamPlan, event string) {
	h.bus.Publish(events.EventListenerStats, events.Payload{
		"zone_id": plan.zoneID,
		"profile": string(plan.profile),
		"event":   event,
	})
}

func profileForExtension(ext string) (engine.Profile, bool) {
	switch ext {
	case "mp3":
		return engine.ProfileMP3, true
	case "aac":
		return engine.ProfileAAC, true
	case "wav":
		return engine.ProfilePCM, true
	}
	return "", false
}

// specFor rebuilds the output spec from session settings, for content
// length math before the subscriber exists.
func specFor(profile engine.Profile, settings playback.AudioSettings) engine.OutputSpec {
	spec := engine.OutputSpec{
		Profile:    profile,
		SampleRate: settings.SampleRate,
		Channels:   settings.Channels,
	}
	if profile == engine.ProfilePCM {
		spec.BitDepth = settings.PCMBitDepth
	} else {
		spec.Bitrate = settings.MP3Bitrate
	}
	return spec
}

// flusherFor resolves a Flusher even behind wrapped writers.
func flusherFor(w http.ResponseWriter, logger zerolog.Logger) http.Flusher {
	if f, ok := w.(http.Flusher); ok {
		return f
	}
	return &rcFlusher{rc: http.NewResponseController(w), logger: logger}
}

type rcFlusher struct {
	rc        *http.ResponseController
	logger    zerolog.Logger
	errLogged bool
}

func (f *rcFlusher) Flush() {
	if err := f.rc.Flush(); err != nil && !f.errLogged {
		f.logger.Debug().Err(err).Msg("response flush failed")
		f.errLogged = true
	}
}
