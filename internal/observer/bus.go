// Package observer implements C5, the observer bus: a registry of
// (event-type, subtype) -> interested libraries that forces delayed
// loading the first time a given event fires (spec §4.5).
//
// The bus does not deliver event payloads — it is purely a load trigger.
// Subscriptions themselves live in the class cache document
// (internal/cache); this package is the "first event fires exactly once"
// bookkeeping layered on top of it.
package observer

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Subscribers answers "who subscribed to (obtype, subtype)" by reading
// the class cache's persisted subscription list. cache.Cache satisfies
// this.
type Subscribers interface {
	ObserverSubscribers(obtype, subtype string) []string
}

// Realizer upgrades a subscribed plugin from unrealized to loaded,
// per spec §4.4's LoadDelayedPlugin. loader.Loader satisfies this.
type Realizer interface {
	LoadDelayedPlugin(basename string) bool
}

type eventKey struct {
	obtype  string
	subtype string
}

// Bus tracks which (obtype, subtype) pairs have already fired, so
// FireFirstEvent is idempotent within a process lifetime. Re-arming
// policy is left to the host (spec §4.5), so there is no Reset.
type Bus struct {
	mu      sync.Mutex
	fired   map[eventKey]bool
	subs    Subscribers
	realize Realizer
}

// New builds an observer bus over subs (the cache's subscription list)
// and realize (the loader's delayed-materialization path).
func New(subs Subscribers, realize Realizer) *Bus {
	return &Bus{
		fired:   make(map[eventKey]bool),
		subs:    subs,
		realize: realize,
	}
}

// FireFirstEvent realizes every plugin subscribed to (obtype, subtype),
// the first time this pair fires. Later calls are no-ops — "first event"
// is scoped to this Bus's lifetime (typically one process boot).
func (b *Bus) FireFirstEvent(obtype, subtype string) {
	key := eventKey{obtype, subtype}

	b.mu.Lock()
	if b.fired[key] {
		b.mu.Unlock()
		return
	}
	b.fired[key] = true
	b.mu.Unlock()

	for _, basename := range b.subs.ObserverSubscribers(obtype, subtype) {
		if !b.realize.LoadDelayedPlugin(basename) {
			log.Warnf("observer: failed to realize %s for event (%s, %s)", basename, obtype, subtype)
		}
	}
}
