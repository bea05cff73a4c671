package registry

import (
	"sync"

	"chatserv/protocol"
)

// Sink is the outbound delivery handle for one connection. Deliver reports
// whether the response was accepted; a sink whose connection is gone
// returns false.
type Sink interface {
	Deliver(resp *protocol.Response) bool
}

// Registry maps each logged-in identity to its connection's sink. It is the
// only in-process shared mutable structure; a single RWMutex serializes it.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

func New() *Registry {
	return &Registry{sinks: make(map[string]Sink)}
}

// Register binds identity to sink, replacing any existing entry. A second
// login under the same identity takes over delivery; there is no
// multi-device fan-out.
func (r *Registry) Register(identity string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[identity] = sink
}

// Unregister removes the entry only while sink still owns it, so a dying
// connection cannot evict the sink a relogin installed.
func (r *Registry) Unregister(identity string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sinks[identity] == sink {
		delete(r.sinks, identity)
	}
}

// Remove drops the entry regardless of owner. Used when the account itself
// is deleted.
func (r *Registry) Remove(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, identity)
}

func (r *Registry) Lookup(identity string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sink, ok := r.sinks[identity]
	return sink, ok
}

// Broadcast delivers resp to every current sink except the excluded
// identity. The sink set is snapshotted first, so a broadcast never
// observes registrations added mid-iteration and never delivers under the
// lock.
func (r *Registry) Broadcast(except string, resp *protocol.Response) {
	r.mu.RLock()
	targets := make([]Sink, 0, len(r.sinks))
	for identity, sink := range r.sinks {
		if identity == except {
			continue
		}
		targets = append(targets, sink)
	}
	r.mu.RUnlock()

	for _, sink := range targets {
		sink.Deliver(resp)
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// Identities returns the currently registered identities, for stats output.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identities := make([]string, 0, len(r.sinks))
	for identity := range r.sinks {
		identities = append(identities, identity)
	}
	return identities
}
