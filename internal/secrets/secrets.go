/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package secrets owns every credential cache in the process. Content
// providers register a fetch function once; callers ask for a token by
// provider name and get the cached value until it expires, with
// explicit invalidate and refresh operations for the 401 path.
package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// expiryMargin renews tokens slightly before the provider deadline.
const expiryMargin = 30 * time.Second

// Token is one issued credential.
type Token struct {
	Value  string
	Expiry time.Time // zero means non-expiring
}

// Provider fetches a fresh token from the upstream service.
type Provider func(ctx context.Context) (Token, error)

// Service is the process-wide token broker.
type Service struct {
	cache  *gocache.Cache
	logger zerolog.Logger

	mu        sync.Mutex
	providers map[string]Provider
	inflight  map[string]*sync.Mutex
}

// NewService builds an empty broker.
func NewService(logger zerolog.Logger) *Service {
	return &Service{
		cache:     gocache.New(gocache.NoExpiration, 5*time.Minute),
		logger:    logger.With().Str("component", "secrets").Logger(),
		providers: make(map[string]Provider),
		inflight:  make(map[string]*sync.Mutex),
	}
}

// Register installs the fetch function for a provider name.
func (s *Service) Register(name string, p Provider) {
	s.mu.Lock()
	s.providers[name] = p
	s.mu.Unlock()
}

// Token returns the cached credential, fetching on miss. Concurrent
// misses for the same provider share one fetch.
func (s *Service) Token(ctx context.Context, name string) (string, error) {
	if v, ok := s.cache.Get(name); ok {
		return v.(string), nil
	}

	lock := s.keyLock(name)
	lock.Lock()
	defer lock.Unlock()

	// A concurrent fetch may have filled the cache while we waited.
	if v, ok := s.cache.Get(name); ok {
		return v.(string), nil
	}
	return s.fetch(ctx, name)
}

// Refresh discards the cached credential and fetches a new one.
func (s *Service) Refresh(ctx context.Context, name string) (string, error) {
	lock := s.keyLock(name)
	lock.Lock()
	defer lock.Unlock()
	s.cache.Delete(name)
	return s.fetch(ctx, name)
}

// Invalidate drops the cached credential; the next Token call fetches.
func (s *Service) Invalidate(name string) {
	s.cache.Delete(name)
}

func (s *Service) fetch(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	p, ok := s.providers[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no credential provider %q", name)
	}

	tok, err := p(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch %s credential: %w", name, err)
	}

	ttl := gocache.NoExpiration
	if !tok.Expiry.IsZero() {
		remaining := time.Until(tok.Expiry) - expiryMargin
		if remaining <= 0 {
			// Token is effectively expired already; hand it out once
			// without caching.
			return tok.Value, nil
		}
		ttl = remaining
	}
	s.cache.Set(name, tok.Value, ttl)
	s.logger.Debug().Str("provider", name).Time("expiry", tok.Expiry).Msg("credential cached")
	return tok.Value, nil
}

func (s *Service) keyLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.inflight[name]
	if !ok {
		l = &sync.Mutex{}
		s.inflight[name] = l
	}
	return l
}
