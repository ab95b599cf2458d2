package ctcp

import (
	"container/list"
	"sync"

	"github.com/rs/xid"
)

// Registry is the process-wide set of live engines the timer dispatcher
// walks, one per active connection, in insertion order. The walk-every-tick
// shape comes from container/list; each engine's *list.Element is kept in
// byID, keyed by the engine's ID.
//
// Registry mutation happens on the single driver goroutine that runs every
// event handler (including Engine.destroy, called re-entrantly out of
// OnDatagram and onTimerTickOne), but Walk is also called from the metrics
// Collector on the HTTP server's own goroutine — the one genuine concurrent
// reader — so mu guards the list and map against it.
type Registry struct {
	mu   sync.Mutex
	byID map[xid.ID]*list.Element
	l    *list.List
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[xid.ID]*list.Element),
		l:    list.New(),
	}
}

// insert registers e under its ID, which remove uses on destruction to find
// e's list element.
func (r *Registry) insert(e *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem := r.l.PushBack(e)
	r.byID[e.ID] = elem
}

// remove unlinks e from the registry. Safe to call from inside a walk in
// progress, since Walk copies out its engines before invoking fn on any of
// them.
func (r *Registry) remove(e *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.byID[e.ID]
	if !ok {
		return
	}
	r.l.Remove(elem)
	delete(r.byID, e.ID)
}

// Len reports how many engines are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.l.Len()
}

// Walk invokes fn once per engine registered at the moment Walk is called,
// front to back. The live engines are copied out under mu before fn runs
// on any of them, so fn is free to insert, remove or destroy engines
// (acquiring mu itself via insert/remove) without Walk holding the lock
// re-entrantly. That matters because the metrics Collector calls getters
// that take Engine.mu while iterating this same snapshot: holding
// Registry.mu across those calls would invert the lock order against
// onTimerTickOne, which takes Engine.mu first and only then (via destroy)
// Registry.mu.
func (r *Registry) Walk(fn func(*Engine)) {
	r.mu.Lock()
	engines := make([]*Engine, 0, r.l.Len())
	for el := r.l.Front(); el != nil; el = el.Next() {
		engines = append(engines, el.Value.(*Engine))
	}
	r.mu.Unlock()

	for _, e := range engines {
		fn(e)
	}
}
