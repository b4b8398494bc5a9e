// Package router admits normalized events, suppresses concurrent duplicates,
// and routes them to handlers by simple predicates.
package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/vesperbot/vesper/internal/channel"
)

// ErrDuplicateEvent is returned when the same {platform}:{message_id} key is
// already being processed. Non-retryable.
var ErrDuplicateEvent = errors.New("duplicate event already in flight")

// Handler processes one admitted event.
type Handler func(ctx context.Context, event channel.NormalizedEvent, adapter channel.Adapter) error

// Predicate selects events for a route.
type Predicate func(event channel.NormalizedEvent) bool

type route struct {
	name      string
	predicate Predicate
	handler   Handler
}

// Router dispatches events to the first matching route, falling back to the
// default handler. A per-key in-flight set rejects concurrent duplicates.
type Router struct {
	logger   *slog.Logger
	fallback Handler

	mu       sync.Mutex
	inflight map[string]struct{}
	routes   []route
}

// New creates a Router whose default handler is fallback.
func New(log *slog.Logger, fallback Handler) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		logger:   log.With(slog.String("component", "router")),
		fallback: fallback,
		inflight: map[string]struct{}{},
	}
}

// Route appends a predicate route. Routes are tried in registration order.
func (r *Router) Route(name string, predicate Predicate, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{name: name, predicate: predicate, handler: handler})
}

// Dispatch admits the event and runs its handler, blocking until it returns.
// A second concurrent dispatch of the same key fails with ErrDuplicateEvent.
func (r *Router) Dispatch(ctx context.Context, event channel.NormalizedEvent, adapter channel.Adapter) error {
	key := event.DedupKey()

	r.mu.Lock()
	if _, busy := r.inflight[key]; busy {
		r.mu.Unlock()
		r.logger.Debug("duplicate event suppressed", slog.String("key", key))
		return ErrDuplicateEvent
	}
	r.inflight[key] = struct{}{}
	handler, name := r.match(event)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
	}()

	r.logger.Debug("dispatching event",
		slog.String("key", key),
		slog.String("route", name),
	)
	return handler(ctx, event, adapter)
}

// InFlight returns the number of events currently being processed.
func (r *Router) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// match must be called with the mutex held.
func (r *Router) match(event channel.NormalizedEvent) (Handler, string) {
	for _, rt := range r.routes {
		if rt.predicate(event) {
			return rt.handler, rt.name
		}
	}
	return r.fallback, "default"
}

// IsDM matches direct-message events.
func IsDM() Predicate {
	return func(event channel.NormalizedEvent) bool { return event.IsDM }
}

// IsGuild matches events originating in a guild channel.
func IsGuild() Predicate {
	return func(event channel.NormalizedEvent) bool { return !event.IsDM && event.GuildID != "" }
}

// OnPlatform matches events from one platform.
func OnPlatform(platform channel.Platform) Predicate {
	return func(event channel.NormalizedEvent) bool { return event.Platform == platform }
}

// KeywordContains matches events whose content contains the keyword,
// case-insensitively.
func KeywordContains(keyword string) Predicate {
	keyword = strings.ToLower(keyword)
	return func(event channel.NormalizedEvent) bool {
		return strings.Contains(strings.ToLower(event.Content), keyword)
	}
}

// All combines predicates conjunctively.
func All(predicates ...Predicate) Predicate {
	return func(event channel.NormalizedEvent) bool {
		for _, p := range predicates {
			if !p(event) {
				return false
			}
		}
		return true
	}
}
