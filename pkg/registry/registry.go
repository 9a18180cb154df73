package registry

import (
	"sort"
	"sync"
)

// Subscriber is a shared, non-owning handle to something that receives
// channel payloads. The registry never controls a subscriber's lifetime.
type Subscriber interface {
	// ID returns a process-unique identifier for the subscriber.
	ID() string
	// Send queues data for delivery. It must not block on I/O.
	Send(data []byte) error
}

// Entry is a subscriber together with the subscription context supplied by
// the client when it subscribed.
type Entry struct {
	Subscriber Subscriber
	Context    map[string]any
}

// channel holds the ordered subscriber entries of one channel. A dead
// channel has been dropped from the registry map and must not be written.
type channel struct {
	mu      sync.RWMutex
	entries []Entry
	dead    bool
}

// Registry maps channel names to subscriber entries. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*channel
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		channels: make(map[string]*channel),
	}
}

// EnsureChannel creates the channel with an empty subscriber list if it is
// absent.
func (r *Registry) EnsureChannel(name string) {
	r.getOrCreate(name)
}

func (r *Registry) getOrCreate(name string) *channel {
	r.mu.RLock()
	ch, ok := r.channels[name]
	r.mu.RUnlock()
	if ok {
		return ch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock
	if ch, ok = r.channels[name]; ok {
		return ch
	}
	ch = &channel{}
	r.channels[name] = ch
	return ch
}

func (r *Registry) get(name string) *channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[name]
}

// Add appends entry to the channel's subscriber list, creating the channel
// when needed. It returns false if the subscriber is already recorded under
// the channel, in which case the existing entry is kept.
func (r *Registry) Add(name string, entry Entry) bool {
	if entry.Subscriber == nil {
		return false
	}
	id := entry.Subscriber.ID()

	for {
		ch := r.getOrCreate(name)
		ch.mu.Lock()
		if ch.dead {
			// Dropped by a concurrent Remove; retry on the replacement.
			ch.mu.Unlock()
			continue
		}
		for _, e := range ch.entries {
			if e.Subscriber.ID() == id {
				ch.mu.Unlock()
				return false
			}
		}
		ch.entries = append(ch.entries, entry)
		ch.mu.Unlock()
		return true
	}
}

// Remove drops every entry of the subscriber under the channel and deletes
// the channel once it has no subscribers left. It reports whether anything
// was removed.
func (r *Registry) Remove(name, subscriberID string) bool {
	ch := r.get(name)
	if ch == nil {
		return false
	}

	ch.mu.Lock()
	kept := ch.entries[:0]
	removed := false
	for _, e := range ch.entries {
		if e.Subscriber.ID() == subscriberID {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	// Clear the tail so removed subscribers can be collected.
	for i := len(kept); i < len(ch.entries); i++ {
		ch.entries[i] = Entry{}
	}
	ch.entries = kept
	empty := len(kept) == 0
	ch.mu.Unlock()

	if empty {
		r.dropIfEmpty(name, ch)
	}
	return removed
}

// dropIfEmpty deletes ch from the map when it is still the registered
// channel for name and still has no entries.
func (r *Registry) dropIfEmpty(name string, ch *channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[name] != ch {
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.entries) > 0 {
		return
	}
	ch.dead = true
	delete(r.channels, name)
}

// SubscribersOf returns a snapshot of the channel's entries in insertion
// order. The returned slice is owned by the caller.
func (r *Registry) SubscribersOf(name string) []Entry {
	ch := r.get(name)
	if ch == nil {
		return nil
	}

	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if len(ch.entries) == 0 {
		return nil
	}
	out := make([]Entry, len(ch.entries))
	copy(out, ch.entries)
	return out
}

// Has reports whether the subscriber is recorded under the channel.
func (r *Registry) Has(name, subscriberID string) bool {
	ch := r.get(name)
	if ch == nil {
		return false
	}

	ch.mu.RLock()
	defer ch.mu.RUnlock()
	for _, e := range ch.entries {
		if e.Subscriber.ID() == subscriberID {
			return true
		}
	}
	return false
}

// Len returns the number of subscribers of a channel.
func (r *Registry) Len(name string) int {
	ch := r.get(name)
	if ch == nil {
		return 0
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.entries)
}

// KnownChannels returns the sorted names of every channel with at least one
// subscriber.
func (r *Registry) KnownChannels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name, ch := range r.channels {
		ch.mu.RLock()
		live := len(ch.entries) > 0
		ch.mu.RUnlock()
		if live {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ChannelCount returns the number of channels with at least one subscriber.
func (r *Registry) ChannelCount() int {
	return len(r.KnownChannels())
}

// SubscriptionCount returns the total number of entries across all channels.
func (r *Registry) SubscriptionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, ch := range r.channels {
		ch.mu.RLock()
		n += len(ch.entries)
		ch.mu.RUnlock()
	}
	return n
}

// size returns the number of channel records held, empty ones included.
func (r *Registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
