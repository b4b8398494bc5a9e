// Package session tracks short-lived agent sessions and enforces the
// single-reply guarantee.
package session

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/vesperbot/vesper/internal/channel"
	"github.com/vesperbot/vesper/internal/workspace"
)

// Session binds one agent invocation to one workspace and one platform event.
type Session struct {
	ID           string
	Platform     channel.Platform
	ChannelID    string
	UserID       string
	Workspace    *workspace.Workspace
	Adapter      channel.Adapter
	TriggerEvent channel.NormalizedEvent
	StartedAt    time.Time
	TimeoutMs    int

	replySent bool
}

// expired reports whether the session has outlived its timeout.
func (s *Session) expired(now time.Time) bool {
	if s.TimeoutMs <= 0 {
		return false
	}
	return now.After(s.StartedAt.Add(time.Duration(s.TimeoutMs) * time.Millisecond))
}

// Registry is the concurrent session store. A cron-driven sweeper removes
// expired entries; Get also removes them eagerly on access.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	cron    *cron.Cron
	cronID  cron.EntryID
	started bool
}

// NewRegistry creates a Registry with a sweeper on the given cron spec
// (default "@every 60s").
func NewRegistry(log *slog.Logger, sweepSpec string) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	if sweepSpec == "" {
		sweepSpec = "@every 60s"
	}
	r := &Registry{
		logger:   log.With(slog.String("component", "session_registry")),
		sessions: map[string]*Session{},
		cron:     cron.New(),
	}
	id, err := r.cron.AddFunc(sweepSpec, r.sweep)
	if err != nil {
		return nil, fmt.Errorf("sweeper schedule: %w", err)
	}
	r.cronID = id
	return r, nil
}

// Start launches the background sweeper.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.cron.Start()
}

// Stop halts the sweeper and waits for an in-flight sweep to finish.
func (r *Registry) Stop() {
	r.mu.Lock()
	started := r.started
	r.started = false
	r.mu.Unlock()
	if started {
		<-r.cron.Stop().Done()
	}
}

// GenerateID returns a fresh opaque session token.
func GenerateID() string {
	return "sess_" + strconv.FormatInt(time.Now().UnixMilli(), 36) + "_" + uuid.NewString()
}

// Register stores the session, assigning an ID when absent, and returns it.
func (r *Registry) Register(s *Session) string {
	if s.ID == "" {
		s.ID = GenerateID()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return s.ID
}

// Get returns the live session for id. Expired sessions are removed and
// reported as absent.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	if s.expired(time.Now()) {
		delete(r.sessions, id)
		return nil, false
	}
	return s, true
}

// Has reports whether a live session exists for id.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// MarkReplySent atomically flips the session's reply flag. It returns false
// when the session is unknown, expired, or already marked: only one caller
// ever wins.
func (r *Registry) MarkReplySent(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.expired(time.Now()) {
		return false
	}
	if s.replySent {
		return false
	}
	s.replySent = true
	return true
}

// HasReplySent reports whether the session has already dispatched its reply.
func (r *Registry) HasReplySent(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	return s.replySent
}

// Remove deletes the session.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// ActiveCount returns the number of live sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	count := 0
	for _, s := range r.sessions {
		if !s.expired(now) {
			count++
		}
	}
	return count
}

func (r *Registry) sweep() {
	now := time.Now()
	removed := 0
	r.mu.Lock()
	for id, s := range r.sessions {
		if s.expired(now) {
			delete(r.sessions, id)
			removed++
		}
	}
	r.mu.Unlock()
	if removed > 0 {
		r.logger.Debug("swept expired sessions", slog.Int("removed", removed))
	}
}
