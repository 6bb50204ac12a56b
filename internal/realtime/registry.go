package realtime

import (
	"cmp"
	"iter"
	"slices"
	"sync"
)

// Subscription is one logical feed as registered by the consumer.
type Subscription struct {
	Channel string
	Event   string
	Push    PayloadFunc
	// Poll is nil for channels that have no poll fallback.
	Poll PollFunc
}

// entry is the registry's record for a channel. gen changes on every
// register so late results for a replaced subscription can be told
// apart from current ones. bound is true while a push binding is live.
type entry struct {
	sub   Subscription
	gen   uint64
	bound bool
}

// registry maps channel names to subscriptions. Operations never fail.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	nextGen uint64
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

// register stores sub, replacing any previous entry for the channel.
// It returns the replaced entry (if any) and the new generation.
func (r *registry) register(sub Subscription) (prev entry, replaced bool, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[sub.Channel]; ok {
		prev, replaced = *old, true
	}
	r.nextGen++
	r.entries[sub.Channel] = &entry{sub: sub, gen: r.nextGen}
	return prev, replaced, r.nextGen
}

// unregister removes the channel. Unknown channels are a no-op.
func (r *registry) unregister(channel string) (entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[channel]
	if !ok {
		return entry{}, false
	}
	delete(r.entries, channel)
	return *e, true
}

// lookup returns a copy of the channel's entry.
func (r *registry) lookup(channel string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[channel]
	if !ok {
		return entry{}, false
	}
	return *e, true
}

// current reports whether gen is still the live generation for channel.
func (r *registry) current(channel string, gen uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[channel]
	return ok && e.gen == gen
}

// setBound records whether a push binding is live for the channel's
// current generation. Returns false if gen is stale.
func (r *registry) setBound(channel string, gen uint64, bound bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[channel]
	if !ok || e.gen != gen {
		return false
	}
	e.bound = bound
	return true
}

// snapshot copies every entry, ordered by channel name.
func (r *registry) snapshot() []entry {
	r.mu.RLock()
	out := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.mu.RUnlock()

	sortEntries(out)
	return out
}

// all yields the current (channel, subscription) pairs. Each call to
// the returned sequence takes a fresh snapshot, so it can be ranged
// over more than once and reflects registrations made in between.
func (r *registry) all() iter.Seq2[string, Subscription] {
	return func(yield func(string, Subscription) bool) {
		for _, e := range r.snapshot() {
			if !yield(e.sub.Channel, e.sub) {
				return
			}
		}
	}
}

// clear removes every entry and returns what was removed.
func (r *registry) clear() []entry {
	r.mu.Lock()
	out := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	clear(r.entries)
	r.mu.Unlock()

	sortEntries(out)
	return out
}

func sortEntries(es []entry) {
	slices.SortFunc(es, func(a, b entry) int {
		return cmp.Compare(a.sub.Channel, b.sub.Channel)
	})
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
