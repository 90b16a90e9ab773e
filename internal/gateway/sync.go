/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// syncHub coordinates synchronized stream joins. Requests carrying the
// same token are held until the expected count arrives or the timeout
// passes, then all response bodies are fed from one subscriber so every
// renderer receives the same engine bytes from the same offset.
type syncHub struct {
	timeout time.Duration
	svc     StreamService
	logger  zerolog.Logger

	mu      sync.Mutex
	entries map[string]*syncEntry
}

type syncEntry struct {
	token  string
	expect int
	plan   streamPlan

	start     chan struct{}
	startOnce sync.Once

	mu      sync.Mutex
	started bool
	members []*syncMember
}

type syncMember struct {
	w    http.ResponseWriter
	done chan struct{}
}

func newSyncHub(timeout time.Duration, svc StreamService, logger zerolog.Logger) *syncHub {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &syncHub{
		timeout: timeout,
		svc:     svc,
		logger:  logger.With().Str("component", "sync-join").Logger(),
		entries: make(map[string]*syncEntry),
	}
}

// join blocks the request until the group starts and its body has been
// fully served.
func (h *syncHub) join(w http.ResponseWriter, r *http.Request, token string, expect int, plan streamPlan) {
	h.mu.Lock()
	entry, ok := h.entries[token]
	if !ok {
		entry = &syncEntry{
			token:  token,
			expect: expect,
			plan:   plan,
			start:  make(chan struct{}),
		}
		h.entries[token] = entry
		go h.run(entry)
		time.AfterFunc(h.timeout, entry.begin)
	}
	h.mu.Unlock()

	member := &syncMember{w: w, done: make(chan struct{})}
	entry.mu.Lock()
	if entry.started {
		// The pump already snapshotted its members; this request can
		// no longer be fed from the shared subscriber.
		entry.mu.Unlock()
		http.Error(w, "synchronized group already started", http.StatusConflict)
		return
	}
	entry.members = append(entry.members, member)
	count := len(entry.members)
	entry.mu.Unlock()

	if count >= entry.expect {
		entry.begin()
	}

	// The pump owns the response writer from here; hold the handler
	// open until the member's stream ends or the client goes away.
	select {
	case <-member.done:
	case <-r.Context().Done():
	}
}

func (e *syncEntry) begin() {
	e.startOnce.Do(func() { close(e.start) })
}

// run waits for the group to fill, then pipes a single subscriber into
// every member response.
func (h *syncHub) run(entry *syncEntry) {
	<-entry.start

	h.mu.Lock()
	delete(h.entries, entry.token)
	h.mu.Unlock()

	entry.mu.Lock()
	entry.started = true
	members := append([]*syncMember(nil), entry.members...)
	entry.mu.Unlock()
	defer func() {
		for _, m := range members {
			if m != nil {
				close(m.done)
			}
		}
	}()
	if len(members) == 0 {
		return
	}

	plan := entry.plan
	sub, spec, err := h.svc.CreateStream(plan.zoneID, plan.profile, "sync/"+entry.token, true)
	if err != nil {
		for _, m := range members {
			http.Error(m.w, "stream not available", http.StatusConflict)
		}
		return
	}
	defer sub.Close()

	h.logger.Info().
		Str("token", entry.token).
		Int("members", len(members)).
		Int("expected", entry.expect).
		Int("zone", plan.zoneID).
		Msg("synchronized join starting")

	flushers := make([]http.Flusher, len(members))
	for i, m := range members {
		plan.applyHeaders(m.w)
		m.w.WriteHeader(http.StatusOK)
		flushers[i] = flusherFor(m.w, h.logger)
		if plan.wav {
			if _, err := m.w.Write(wavHeader(spec, plan.contentLength-wavHeaderSize)); err != nil {
				continue
			}
		}
	}

	for {
		data, ok := sub.Recv()
		if !ok {
			return
		}
		alive := 0
		for i, m := range members {
			if m == nil {
				continue
			}
			if _, err := m.w.Write(data); err != nil {
				close(m.done)
				members[i] = nil
				continue
			}
			flushers[i].Flush()
			alive++
		}
		if alive == 0 {
			return
		}
	}
}
