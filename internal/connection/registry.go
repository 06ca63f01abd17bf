package connection

import (
	"sync"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/monitoring"
)

// Registry tracks every live connection per application. Jobs, shutdown, the
// connection-limit check, and the /connections endpoint read it. Buckets are
// created once per configured application, so lookups after boot never
// contend on shared structure.
type Registry struct {
	buckets map[string]*bucket // app_id → connections
}

type bucket struct {
	mu    sync.RWMutex
	conns map[string]*Conn // socket_id → conn
}

// NewRegistry builds one bucket per configured application.
func NewRegistry(registry *apps.Registry) *Registry {
	r := &Registry{buckets: make(map[string]*bucket)}
	for _, app := range registry.All() {
		r.buckets[app.ID] = &bucket{conns: make(map[string]*Conn)}
	}
	return r
}

// Register adds a connection under its application.
func (r *Registry) Register(c *Conn) {
	b, ok := r.buckets[c.App().ID]
	if !ok {
		return
	}
	b.mu.Lock()
	b.conns[c.ID()] = c
	b.mu.Unlock()
	monitoring.IncrementConnections()
}

// Unregister drops a connection. Safe to call for connections that were
// never registered.
func (r *Registry) Unregister(c *Conn) {
	b, ok := r.buckets[c.App().ID]
	if !ok {
		return
	}
	b.mu.Lock()
	_, present := b.conns[c.ID()]
	delete(b.conns, c.ID())
	b.mu.Unlock()
	if present {
		monitoring.DecrementConnections()
	}
}

// Connections snapshots the live connections of one application.
func (r *Registry) Connections(appID string) []*Conn {
	b, ok := r.buckets[appID]
	if !ok {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, c)
	}
	return out
}

// Count reports the live connections of one application.
func (r *Registry) Count(appID string) int {
	b, ok := r.buckets[appID]
	if !ok {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// All snapshots every live connection across applications.
func (r *Registry) All() []*Conn {
	var out []*Conn
	for _, b := range r.buckets {
		b.mu.RLock()
		for _, c := range b.conns {
			out = append(out, c)
		}
		b.mu.RUnlock()
	}
	return out
}
