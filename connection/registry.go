package connection

import (
	"sort"
	"sync"
	"sync/atomic"
)

// ID identifies a connection for its whole lifetime. IDs are never reused.
type ID uint64

// Registry tracks live connections.
//
// Protocols only hold a connection's ID and resolve it through the registry
// every time they need the connection, so a torn down connection is simply
// not found anymore.
type Registry struct {
	next uint64

	mu    sync.RWMutex
	conns map[ID]*Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[ID]*Connection)}
}

func (r *Registry) add(c *Connection) ID {
	id := ID(atomic.AddUint64(&r.next, 1))
	r.mu.Lock()
	r.conns[id] = c
	r.mu.Unlock()
	return id
}

func (r *Registry) remove(id ID) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Lookup returns the connection with the given ID if it is still open.
func (r *Registry) Lookup(id ID) (*Connection, bool) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok || c.Closed() {
		return nil, false
	}
	return c, true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the registered connections ordered by ID.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CloseAll closes every registered connection.
func (r *Registry) CloseAll() {
	for _, c := range r.Snapshot() {
		c.Close()
	}
}
