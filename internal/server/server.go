/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server wires the playback pipeline, output drivers, stream
// gateway and admin API into one HTTP process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/api"
	"github.com/friendsincode/zonecast/internal/bridge"
	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/engine"
	"github.com/friendsincode/zonecast/internal/events"
	"github.com/friendsincode/zonecast/internal/gateway"
	"github.com/friendsincode/zonecast/internal/groups"
	"github.com/friendsincode/zonecast/internal/logbuffer"
	"github.com/friendsincode/zonecast/internal/outputs"
	"github.com/friendsincode/zonecast/internal/outputs/sendspin"
	"github.com/friendsincode/zonecast/internal/outputs/slim"
	"github.com/friendsincode/zonecast/internal/playback"
	"github.com/friendsincode/zonecast/internal/proxy"
	"github.com/friendsincode/zonecast/internal/secrets"
	"github.com/friendsincode/zonecast/internal/source"
	"github.com/friendsincode/zonecast/internal/store"
	"github.com/friendsincode/zonecast/internal/telemetry"
	"github.com/friendsincode/zonecast/internal/zones"

	// Driver registration.
	_ "github.com/friendsincode/zonecast/internal/outputs/airplay"
	_ "github.com/friendsincode/zonecast/internal/outputs/cast"
	_ "github.com/friendsincode/zonecast/internal/outputs/dlna"
	_ "github.com/friendsincode/zonecast/internal/outputs/sonos"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	bus       *events.Bus
	store     *store.Store
	engine    *engine.Engine
	playMgr   *playback.Manager
	playSvc   *playback.Service
	zones     *zones.Manager
	watcher   *config.ZoneWatcher
	tracker   *groups.Tracker
	groupMgr  *groups.Manager
	gateway   *gateway.Handler
	proxy     *proxy.Handler
	secrets   *secrets.Service
	api       *api.API
	bridge    *bridge.Bridge
	syncSrv   *sendspin.Server
	slimSrv   *slim.Server
	logBuffer *logbuffer.Buffer

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(telemetry.TracingMiddleware("zonecast"))
	router.Use(telemetry.MetricsMiddleware)
	// Stream responses live as long as the renderer's connection; only
	// the short-lived admin and command routes get a request timeout.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(r.URL.Path) >= 9 && r.URL.Path[:9] == "/streams/" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		bus:       events.NewBus(),
		logBuffer: logBuf,
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:    addr,
		Handler: srv.router,
		// Header deadline protects against slowloris; read/write stay
		// unbounded because every stream endpoint outlives any sane
		// request deadline.
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       0,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

func (s *Server) initDependencies() error {
	st, err := store.Open(s.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.store = st
	s.DeferClose(st.Close)

	s.engine = engine.New(s.cfg, s.logger)
	s.playMgr = playback.NewManager(s.cfg, s.engine, s.bus, s.logger)
	s.playSvc = playback.NewService(s.engine, s.playMgr)

	resolver := &source.Resolver{LocalStreamBase: s.localBase()}
	s.zones = zones.NewManager(s.cfg, s.bus, s.playSvc, resolver, s.logger)

	if s.cfg.SendspinEnabled {
		s.syncSrv = sendspin.NewServer("zonecast", s.logger)
	}
	if s.cfg.SlimEnabled {
		s.slimSrv = slim.NewServer(s.cfg.SlimAddr, s.logger)
		if err := s.slimSrv.Listen(); err != nil {
			return fmt.Errorf("slim control channel: %w", err)
		}
		s.DeferClose(func() error { s.slimSrv.Close(); return nil })
	}
	var syncSrv outputs.SyncServer
	if s.syncSrv != nil {
		syncSrv = s.syncSrv
	}
	var playerCtl outputs.PlayerControl
	if s.slimSrv != nil {
		playerCtl = s.slimSrv
	}
	s.zones.SetDriverServices(syncSrv, playerCtl)

	if err := s.restoreAudioOverrides(); err != nil {
		s.logger.Warn().Err(err).Msg("audio override restore failed")
	}

	watcher, err := config.NewZoneWatcher(s.cfg.ZonesFile, s.logger, func(zf config.ZonesFile) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.zones.Apply(ctx, s.applyBindings(zf)); err != nil {
			s.logger.Error().Err(err).Msg("zone reload failed")
		}
	})
	if err != nil {
		return fmt.Errorf("zones file: %w", err)
	}
	s.watcher = watcher
	s.DeferClose(watcher.Close)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.zones.Apply(ctx, s.applyBindings(watcher.Current()))
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Msg("initial zone setup reported errors")
		}
	}

	s.tracker = groups.NewTracker(s.bus, s.logger)
	mixed := groups.NewCoordinator(s.playSvc, s.zones, s.logger)
	s.groupMgr = groups.NewManager(s.tracker, s.zones, mixed, s.bus, s.logger)
	s.restoreGroups()

	s.gateway = gateway.New(s.cfg, s.playSvc, s.bus, s.logger)
	s.proxy = proxy.New(s.cfg, s.bus, s.logger)
	s.secrets = secrets.NewService(s.logger)
	s.proxy.SetSecrets(s.secrets)

	var players api.PlayerLister
	if s.slimSrv != nil {
		players = slimPlayerLister{srv: s.slimSrv}
	}
	s.api = api.New(s.cfg, s.zones, persistentGroups{tracker: s.tracker, store: s.store, logger: s.logger},
		s.groupMgr, s.store, players, s.logBuffer, s.logger)

	if s.cfg.MQTTEnabled {
		s.bridge = bridge.New(s.cfg, s.bus, s.logger)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.bridge.Connect(ctx)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Msg("mqtt bridge connect failed, continuing without it")
			s.bridge = nil
		} else {
			s.DeferClose(func() error { s.bridge.Close(); return nil })
		}
	}

	return nil
}

// localBase is the absolute URL renderers and the proxy resolver use to
// reach this process.
func (s *Server) localBase() string {
	if s.cfg.BaseURL != "" {
		return s.cfg.BaseURL
	}
	host := s.cfg.HTTPBind
	if host == "0.0.0.0" || host == "::" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, s.cfg.HTTPPort)
}

// applyBindings overlays persisted output bindings onto the zones file
// declarations. A binding row wins over the YAML driver/host until it
// is deleted through the admin API.
func (s *Server) applyBindings(zf config.ZonesFile) config.ZonesFile {
	bindings, err := s.store.OutputBindings()
	if err != nil {
		s.logger.Warn().Err(err).Msg("output binding load failed")
		return zf
	}
	byZone := make(map[int]store.OutputBinding, len(bindings))
	for _, b := range bindings {
		byZone[b.ZoneID] = b
	}
	for i, decl := range zf.Zones {
		b, ok := byZone[decl.ID]
		if !ok {
			continue
		}
		zf.Zones[i].Driver = b.Driver
		zf.Zones[i].Host = b.Host
		if len(b.Options) > 0 {
			zf.Zones[i].Options = b.Options
		}
	}
	return zf
}

// restoreAudioOverrides lands persisted per-zone audio rows in the
// playback manager. YAML-level overrides are applied by the zone
// manager itself; store rows win because they are admin edits.
func (s *Server) restoreAudioOverrides() error {
	for _, decl := range s.zonesFileDecls() {
		o, ok, err := s.store.AudioOverride(decl.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		settings := s.playMgr.ZoneSettings(decl.ID)
		if o.SampleRate > 0 {
			settings.SampleRate = o.SampleRate
		}
		if o.Channels > 0 {
			settings.Channels = o.Channels
		}
		if o.PCMBitDepth > 0 {
			settings.PCMBitDepth = o.PCMBitDepth
		}
		if o.MP3Bitrate > 0 {
			settings.MP3Bitrate = o.MP3Bitrate
		}
		if o.PrebufferBytes > 0 {
			settings.PrebufferBytes = o.PrebufferBytes
		}
		s.playMgr.SetZoneSettings(decl.ID, settings)
	}
	return nil
}

func (s *Server) zonesFileDecls() []config.ZoneDecl {
	zf, err := config.LoadZones(s.cfg.ZonesFile)
	if err != nil {
		return nil
	}
	return zf.Zones
}

// restoreGroups replays persisted group rows into the tracker so
// renderers regroup after a restart.
func (s *Server) restoreGroups() {
	rows, err := s.store.Groups()
	if err != nil {
		s.logger.Warn().Err(err).Msg("group restore failed")
		return
	}
	for _, row := range rows {
		s.tracker.Upsert(row.ID, row.Leader, row.Members)
	}
	if len(rows) > 0 {
		s.logger.Info().Int("count", len(rows)).Msg("groups restored")
	}
}

// persistentGroups satisfies api.GroupAPI: tracker mutations are
// mirrored into the store so groups survive restarts.
type persistentGroups struct {
	tracker *groups.Tracker
	store   *store.Store
	logger  zerolog.Logger
}

func (p persistentGroups) Upsert(id string, leader int, members []int) (groups.Record, groups.Change) {
	rec, change := p.tracker.Upsert(id, leader, members)
	if change != groups.ChangeNone {
		if err := p.store.SaveGroup(rec.ID, rec.Leader, rec.Members); err != nil {
			p.logger.Warn().Err(err).Str("group", id).Msg("group persist failed")
		}
	}
	return rec, change
}

func (p persistentGroups) Remove(id string) (groups.Record, bool) {
	rec, ok := p.tracker.Remove(id)
	if ok {
		if err := p.store.DeleteGroup(id); err != nil {
			p.logger.Warn().Err(err).Str("group", id).Msg("group delete failed")
		}
	}
	return rec, ok
}

func (p persistentGroups) Groups() []groups.Record { return p.tracker.Groups() }

// slimPlayerLister adapts the slim server's player registry to the
// admin API shape.
type slimPlayerLister struct {
	srv *slim.Server
}

func (l slimPlayerLister) Players() []api.PlayerEntry {
	infos := l.srv.Players()
	out := make([]api.PlayerEntry, 0, len(infos))
	for _, p := range infos {
		out = append(out, api.PlayerEntry{ID: p.ID, Model: p.Model})
	}
	return out
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// LogBuffer returns the server's log buffer for attaching to zerolog.
func (s *Server) LogBuffer() *logbuffer.Buffer {
	return s.logBuffer
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	s.engine.StopAll()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.playMgr.Run(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.zones.Run(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.groupMgr.Run(ctx)
	}()

	if s.bridge != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.bridge.Run(ctx)
		}()
	}

	// The sendspin sync clients connect over their own listener so LAN
	// players keep working when the admin surface is firewalled off.
	if s.syncSrv != nil {
		syncHTTP := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", s.cfg.HTTPBind, s.cfg.SendspinPort),
			Handler:           s.syncSrv,
			ReadHeaderTimeout: 15 * time.Second,
		}
		s.DeferClose(func() error {
			shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shCancel()
			return syncHTTP.Shutdown(shCtx)
		})
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := syncHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("sendspin listener exited")
			}
		}()
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.router.Handle("/metrics", telemetry.Handler())

	// Static /streams/proxy wins over the gateway's /{zone}/{stream}
	// wildcards.
	s.router.Get("/streams/proxy", s.proxy.ServeHTTP)
	s.router.Mount("/streams", s.gateway)

	s.router.Mount("/admin/api", s.api.Routes())
	s.router.Mount("/audio", s.api.CommandRoutes())
}
