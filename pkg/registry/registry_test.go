package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubSubscriber struct {
	id string
}

func (s *stubSubscriber) ID() string             { return s.id }
func (s *stubSubscriber) Send(data []byte) error { return nil }

func TestRegistry_EnsureChannelIsIdempotent(t *testing.T) {
	reg := New()

	reg.EnsureChannel("news")
	reg.EnsureChannel("news")

	assert.Equal(t, 1, reg.size())
	assert.Empty(t, reg.KnownChannels(), "a channel without subscribers is not listed")
	assert.Zero(t, reg.Len("news"))
	assert.Nil(t, reg.SubscribersOf("news"))
}

func TestRegistry_AddDeduplicatesPerSubscriber(t *testing.T) {
	reg := New()
	a := &stubSubscriber{id: "a"}

	assert.True(t, reg.Add("news", Entry{Subscriber: a, Context: map[string]any{"n": 1}}))
	assert.False(t, reg.Add("news", Entry{Subscriber: a, Context: map[string]any{"n": 2}}))

	entries := reg.SubscribersOf("news")
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Context["n"], "first entry should be kept")
}

func TestRegistry_AddNilSubscriber(t *testing.T) {
	reg := New()
	assert.False(t, reg.Add("news", Entry{}))
	assert.Empty(t, reg.KnownChannels())
}

func TestRegistry_InsertionOrder(t *testing.T) {
	reg := New()
	for _, id := range []string{"c", "a", "b"} {
		reg.Add("news", Entry{Subscriber: &stubSubscriber{id: id}})
	}

	var ids []string
	for _, e := range reg.SubscribersOf("news") {
		ids = append(ids, e.Subscriber.ID())
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestRegistry_Remove(t *testing.T) {
	reg := New()
	a := &stubSubscriber{id: "a"}
	b := &stubSubscriber{id: "b"}
	reg.Add("news", Entry{Subscriber: a})
	reg.Add("news", Entry{Subscriber: b})

	assert.True(t, reg.Remove("news", "a"))
	assert.False(t, reg.Remove("news", "a"))
	assert.False(t, reg.Remove("missing", "a"))

	assert.False(t, reg.Has("news", "a"))
	assert.True(t, reg.Has("news", "b"))
	assert.Equal(t, 1, reg.Len("news"))
}

func TestRegistry_RemoveDropsEmptyChannel(t *testing.T) {
	reg := New()
	a := &stubSubscriber{id: "a"}
	b := &stubSubscriber{id: "b"}
	reg.Add("news", Entry{Subscriber: a})
	reg.Add("news", Entry{Subscriber: b})
	reg.Add("sport", Entry{Subscriber: a})

	reg.Remove("news", "a")
	assert.Equal(t, 2, reg.size())

	reg.Remove("news", "b")
	reg.Remove("sport", "a")
	assert.Zero(t, reg.size())
	assert.Empty(t, reg.KnownChannels())
	assert.Zero(t, reg.ChannelCount())

	assert.True(t, reg.Add("news", Entry{Subscriber: a}), "a dropped channel can be recreated")
	assert.Equal(t, []string{"news"}, reg.KnownChannels())
}

func TestRegistry_SnapshotIsIsolated(t *testing.T) {
	reg := New()
	reg.Add("news", Entry{Subscriber: &stubSubscriber{id: "a"}})
	reg.Add("news", Entry{Subscriber: &stubSubscriber{id: "b"}})

	snapshot := reg.SubscribersOf("news")
	reg.Remove("news", "a")
	reg.Add("news", Entry{Subscriber: &stubSubscriber{id: "c"}})

	require.Len(t, snapshot, 2)
	assert.Equal(t, "a", snapshot[0].Subscriber.ID())
	assert.Equal(t, "b", snapshot[1].Subscriber.ID())
}

func TestRegistry_Counts(t *testing.T) {
	reg := New()
	reg.Add("a", Entry{Subscriber: &stubSubscriber{id: "1"}})
	reg.Add("a", Entry{Subscriber: &stubSubscriber{id: "2"}})
	reg.Add("b", Entry{Subscriber: &stubSubscriber{id: "1"}})
	reg.EnsureChannel("empty")

	assert.Equal(t, []string{"a", "b"}, reg.KnownChannels())
	assert.Equal(t, 2, reg.ChannelCount())
	assert.Equal(t, 3, reg.SubscriptionCount())
}

func TestRegistry_ConcurrentMutation(t *testing.T) {
	// Run with -race to catch unsynchronized access.
	reg := New()
	const workers = 16
	const channels = 8

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sub := &stubSubscriber{id: fmt.Sprintf("sub-%d", w)}
			for i := 0; i < 100; i++ {
				ch := fmt.Sprintf("ch-%d", i%channels)
				reg.Add(ch, Entry{Subscriber: sub})
				_ = reg.SubscribersOf(ch)
				_ = reg.KnownChannels()
				if i%3 == 0 {
					reg.Remove(ch, sub.ID())
				}
			}
		}(w)
	}
	wg.Wait()

	for i := 0; i < channels; i++ {
		ch := fmt.Sprintf("ch-%d", i)
		total := 0
		for w := 0; w < workers; w++ {
			if reg.Has(ch, fmt.Sprintf("sub-%d", w)) {
				total++
			}
		}
		assert.Equal(t, total, reg.Len(ch), "entries lost or duplicated in %s", ch)
	}
	for _, ch := range reg.KnownChannels() {
		seen := make(map[string]bool)
		for _, e := range reg.SubscribersOf(ch) {
			assert.False(t, seen[e.Subscriber.ID()], "duplicate entry for %s in %s", e.Subscriber.ID(), ch)
			seen[e.Subscriber.ID()] = true
		}
	}
}
