/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package proxy relays upstream radio and provider streams for local
// renderers: playlists are rewritten so nested fetches stay inside the
// proxy, ICY in-band metadata is intercepted and attributed to a zone,
// everything else passes through verbatim.
package proxy

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/events"
	"github.com/friendsincode/zonecast/internal/secrets"
	"github.com/friendsincode/zonecast/internal/telemetry"
)

// ProxyPath is the mount point playlist rewrites target.
const ProxyPath = "/streams/proxy"

// upstreamConnectTimeout bounds dial and TLS setup; the body itself
// streams for as long as the client stays connected.
const upstreamConnectTimeout = 15 * time.Second

// AuthProviderHeader marks a proxied request as needing a provider
// credential: the value names the secrets broker entry whose token is
// injected as a bearer Authorization header.
const AuthProviderHeader = "X-Auth-Provider"

// Handler is the output stream proxy. Mount it at ProxyPath.
type Handler struct {
	cfg     *config.Config
	bus     *events.Bus
	logger  zerolog.Logger
	client  *http.Client
	secrets *secrets.Service
}

// New builds the proxy handler.
func New(cfg *config.Config, bus *events.Bus, logger zerolog.Logger) *Handler {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: upstreamConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   upstreamConnectTimeout,
		ResponseHeaderTimeout: upstreamConnectTimeout,
	}
	return &Handler{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With().Str("component", "proxy").Logger(),
		client: &http.Client{Transport: transport},
	}
}

// SetSecrets installs the credential broker for provider-authenticated
// upstreams. Without it, requests carrying AuthProviderHeader fail.
func (p *Handler) SetSecrets(s *secrets.Service) {
	p.secrets = s
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isLocalClient(r.RemoteAddr) {
		telemetry.ProxyRequests.WithLabelValues("denied", "error").Inc()
		http.Error(w, "proxy is local-only", http.StatusForbidden)
		return
	}

	rawTarget := r.URL.Query().Get("u")
	target, err := url.Parse(rawTarget)
	if err != nil || !target.IsAbs() || (target.Scheme != "http" && target.Scheme != "https") {
		http.Error(w, "bad target url", http.StatusBadRequest)
		return
	}

	encodedHeaders := r.URL.Query().Get("h")
	headers, err := DecodeHeaders(encodedHeaders)
	if err != nil {
		http.Error(w, "bad header blob", http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		http.Error(w, "bad target url", http.StatusBadRequest)
		return
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	// Client hints pass through: byte ranges for seekable content, the
	// ICY opt-in, and the zone attribution for metadata interception.
	for _, k := range []string{"Range", "Icy-MetaData", "X-Zone-Id", "User-Agent"} {
		if v := r.Header.Get(k); v != "" && req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := p.fetch(req)
	if err != nil {
		p.logger.Warn().Err(err).Str("url", target.String()).Msg("upstream fetch failed")
		telemetry.ProxyRequests.WithLabelValues("upstream", "error").Inc()
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		telemetry.ProxyRequests.WithLabelValues("upstream", "error").Inc()
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if isPlaylist(contentType, target.Path) {
		p.servePlaylist(w, resp, target, encodedHeaders)
		return
	}
	if zoneID := p.icyZone(req, resp); zoneID != 0 {
		p.serveWithICY(w, resp, zoneID)
		return
	}
	p.servePassthrough(w, resp)
}

// fetch performs the upstream GET. When the request names a credential
// provider, the broker's token rides along as a bearer header; a 401
// answer invalidates it and retries once with a fresh token.
func (p *Handler) fetch(req *http.Request) (*http.Response, error) {
	provider := req.Header.Get(AuthProviderHeader)
	if provider == "" {
		return p.client.Do(req)
	}
	req.Header.Del(AuthProviderHeader)
	if p.secrets == nil {
		return nil, fmt.Errorf("no credential broker for provider %q", provider)
	}

	tok, err := p.secrets.Token(req.Context(), provider)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := p.client.Do(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	resp.Body.Close()

	tok, err = p.secrets.Refresh(req.Context(), provider)
	if err != nil {
		return nil, err
	}
	retry := req.Clone(req.Context())
	retry.Header.Set("Authorization", "Bearer "+tok)
	return p.client.Do(retry)
}

// icyZone returns the attributed zone id when the upstream carries
// in-band metadata and the client identified itself, 0 otherwise.
func (p *Handler) icyZone(req *http.Request, resp *http.Response) int {
	metaint, err := strconv.Atoi(resp.Header.Get("icy-metaint"))
	if err != nil || metaint <= 0 {
		return 0
	}
	zoneID, err := strconv.Atoi(req.Header.Get("X-Zone-Id"))
	if err != nil || zoneID <= 0 {
		return 0
	}
	return zoneID
}

func (p *Handler) servePlaylist(w http.ResponseWriter, resp *http.Response, base *url.URL, encodedHeaders string) {
	limited := io.LimitReader(resp.Body, p.maxPlaylistBytes()+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		telemetry.ProxyRequests.WithLabelValues("playlist", "error").Inc()
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	if int64(len(body)) > p.maxPlaylistBytes() {
		// Too large to rewrite safely; relay what we have verbatim.
		copyHeader(w.Header(), resp.Header, "Content-Type")
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
		_, _ = io.Copy(w, resp.Body)
		telemetry.ProxyRequests.WithLabelValues("playlist", "oversize").Inc()
		return
	}

	rewritten := RewritePlaylist(string(body), base, encodedHeaders)
	copyHeader(w.Header(), resp.Header, "Content-Type")
	w.Header().Set("Content-Length", strconv.Itoa(len(rewritten)))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write([]byte(rewritten))
	telemetry.ProxyRequests.WithLabelValues("playlist", "ok").Inc()
}

func (p *Handler) servePassthrough(w http.ResponseWriter, resp *http.Response) {
	copyHeader(w.Header(), resp.Header,
		"Content-Type", "Content-Length", "Accept-Ranges", "Content-Range",
		"icy-metaint", "icy-name", "icy-br")
	w.WriteHeader(resp.StatusCode)

	if err := flushCopy(w, resp.Body); err != nil {
		telemetry.ProxyRequests.WithLabelValues("passthrough", "error").Inc()
		return
	}
	telemetry.ProxyRequests.WithLabelValues("passthrough", "ok").Inc()
}

func (p *Handler) maxPlaylistBytes() int64 {
	if p.cfg.ProxyMaxPlaylistBytes > 0 {
		return p.cfg.ProxyMaxPlaylistBytes
	}
	return 1024 * 1024
}

// ProxyURL rewrites an absolute media URL into its proxied form.
func ProxyURL(target, encodedHeaders string) string {
	u := ProxyPath + "?u=" + url.QueryEscape(target)
	if encodedHeaders != "" {
		u += "&h=" + url.QueryEscape(encodedHeaders)
	}
	return u
}

// EncodeHeaders packs a header map into the h query parameter format.
func EncodeHeaders(h map[string]string) (string, error) {
	if len(h) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode headers: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHeaders unpacks the h query parameter. Empty input yields an
// empty map.
func DecodeHeaders(encoded string) (map[string]string, error) {
	if encoded == "" {
		return map[string]string{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	var h map[string]string
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	return h, nil
}

// isLocalClient accepts loopback, RFC1918 and link-local peers only.
func isLocalClient(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

func isPlaylist(contentType, path string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "mpegurl") || strings.Contains(ct, "scpls") {
		return true
	}
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".m3u") ||
		strings.HasSuffix(lower, ".m3u8") ||
		strings.HasSuffix(lower, ".pls")
}

func copyHeader(dst, src http.Header, keys ...string) {
	for _, k := range keys {
		if v := src.Get(k); v != "" {
			dst.Set(k, v)
		}
	}
}

func flushCopy(w http.ResponseWriter, r io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
