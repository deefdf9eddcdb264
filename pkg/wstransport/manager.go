package wstransport

import (
	"sync"

	"github.com/asap-proto/asap/pkg/lru"
)

// Manager owns a fixed-capacity, LRU-evicted registry of Transports
// keyed by remote URL: the least-recently-used transport is evicted
// (and closed) when the registry exceeds a fixed capacity, bounding
// memory use across many remote agents.
type Manager struct {
	mu         sync.Mutex
	transports *lru.Cache[string, *Transport]
	known      map[string]*Transport
	factory    func(url string) *Transport
}

// NewManager creates a Manager bounded to capacity live transports.
// factory builds a fresh, unconnected Transport for a URL not yet in
// the registry; the Manager calls Connect on it before returning.
// Transports displaced by capacity pressure are closed automatically.
func NewManager(capacity int, factory func(url string) *Transport) *Manager {
	m := &Manager{known: make(map[string]*Transport), factory: factory}
	// onEvict only fires from within Put, which is always called with
	// m.mu held, so it must not try to re-acquire it.
	m.transports = lru.NewWithEvict[string, *Transport](capacity, func(url string, t *Transport) {
		t.Close()
		delete(m.known, url)
	})
	return m
}

// Get returns the live Transport for url, creating and connecting one
// if none exists yet.
func (m *Manager) Get(url string) *Transport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.transports.Get(url); ok {
		return t
	}

	t := m.factory(url)
	t.Connect()
	m.transports.Put(url, t)
	m.known[url] = t
	return t
}

// Close closes every live transport and empties the registry.
func (m *Manager) Close() {
	m.mu.Lock()
	known := m.known
	m.known = make(map[string]*Transport)
	m.mu.Unlock()

	for url, t := range known {
		t.Close()
		m.transports.Delete(url)
	}
}
