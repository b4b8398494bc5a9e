package channel

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds all registered platform adapters and provides typed accessors
// for their optional capability interfaces. It must be created via NewRegistry
// and passed explicitly to components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Platform]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[Platform]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	p := normalizePlatform(adapter.Platform().String())
	if p == "" {
		return fmt.Errorf("platform is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[p]; exists {
		return fmt.Errorf("platform already registered: %s", p)
	}
	r.adapters[p] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given platform.
func (r *Registry) Get(platform Platform) (Adapter, bool) {
	p := normalizePlatform(platform.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[p]
	return adapter, ok
}

// List returns all registered adapters.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		items = append(items, a)
	}
	return items
}

// GetSender returns the Sender for the given platform, or false if unsupported.
func (r *Registry) GetSender(platform Platform) (Sender, bool) {
	adapter, ok := r.Get(platform)
	if !ok {
		return nil, false
	}
	sender, ok := adapter.(Sender)
	return sender, ok
}

// GetReceiver returns the Receiver for the given platform, or false if unsupported.
func (r *Registry) GetReceiver(platform Platform) (Receiver, bool) {
	adapter, ok := r.Get(platform)
	if !ok {
		return nil, false
	}
	receiver, ok := adapter.(Receiver)
	return receiver, ok
}

// GetHistoryFetcher returns the HistoryFetcher for the given platform, or false if unsupported.
func (r *Registry) GetHistoryFetcher(platform Platform) (HistoryFetcher, bool) {
	adapter, ok := r.Get(platform)
	if !ok {
		return nil, false
	}
	fetcher, ok := adapter.(HistoryFetcher)
	return fetcher, ok
}

// GetRelatedSearcher returns the RelatedSearcher for the given platform, or false if unsupported.
func (r *Registry) GetRelatedSearcher(platform Platform) (RelatedSearcher, bool) {
	adapter, ok := r.Get(platform)
	if !ok {
		return nil, false
	}
	searcher, ok := adapter.(RelatedSearcher)
	return searcher, ok
}

// GetUserResolver returns the UserResolver for the given platform, or false if unsupported.
func (r *Registry) GetUserResolver(platform Platform) (UserResolver, bool) {
	adapter, ok := r.Get(platform)
	if !ok {
		return nil, false
	}
	resolver, ok := adapter.(UserResolver)
	return resolver, ok
}

// GetTypingNotifier returns the TypingNotifier for the given platform, or false if unsupported.
func (r *Registry) GetTypingNotifier(platform Platform) (TypingNotifier, bool) {
	adapter, ok := r.Get(platform)
	if !ok {
		return nil, false
	}
	notifier, ok := adapter.(TypingNotifier)
	return notifier, ok
}

// GetCapabilities returns the capability matrix for the given platform.
func (r *Registry) GetCapabilities(platform Platform) (Capabilities, bool) {
	adapter, ok := r.Get(platform)
	if !ok {
		return Capabilities{}, false
	}
	return adapter.Capabilities(), true
}

func normalizePlatform(raw string) Platform {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return ""
	}
	return Platform(normalized)
}
