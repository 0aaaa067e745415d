// Package session maps authenticated client ids to their live control connection.
package session

import (
	"sort"
	"sync"

	"github.com/matst80/kproxy/internal/control"
	"github.com/matst80/kproxy/internal/obs"
)

// Registry holds the only reference to each client's control connection.
// At most one connection is registered per client id.
type Registry struct {
	mu       sync.Mutex
	sessions map[uint64]*control.Conn
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]*control.Conn)}
}

// Register makes conn the live connection for id and returns the connection it
// displaced, if any. The caller is responsible for closing the replaced one.
func (r *Registry) Register(id uint64, conn *control.Conn) (replaced *control.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced = r.sessions[id]
	r.sessions[id] = conn
	if replaced == conn {
		replaced = nil
	}
	if replaced != nil {
		obs.SessionReplacedTotal.Inc()
	}
	obs.ActiveSessions.Set(float64(len(r.sessions)))
	return replaced
}

// Lookup returns the live connection for id.
func (r *Registry) Lookup(id uint64) (*control.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[id]
	return c, ok
}

// Remove drops whatever connection is registered for id.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	obs.ActiveSessions.Set(float64(len(r.sessions)))
}

// Release removes id only while conn is still the registered connection, so a
// closing stale connection cannot evict its replacement.
func (r *Registry) Release(id uint64, conn *control.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[id] != conn {
		return false
	}
	delete(r.sessions, id)
	obs.ActiveSessions.Set(float64(len(r.sessions)))
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Info describes one registered session.
type Info struct {
	ClientID uint64 `json:"client_id"`
	Remote   string `json:"remote"`
}

// Snapshot lists registered sessions ordered by client id.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.sessions))
	for id, c := range r.sessions {
		out = append(out, Info{ClientID: id, Remote: c.String()})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// CloseAll closes and removes every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*control.Conn, 0, len(r.sessions))
	for id, c := range r.sessions {
		conns = append(conns, c)
		delete(r.sessions, id)
	}
	obs.ActiveSessions.Set(0)
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
