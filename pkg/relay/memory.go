package relay

import (
	"context"
	"sync"
)

const memoryInboxSize = 256

// Hub connects Memory relays living in the same process. A payload published
// on any relay of the hub reaches every relay subscribed to the channel,
// including the publisher, the same way Redis echoes to its own subscriber.
type Hub struct {
	mu     sync.RWMutex
	relays map[*Memory]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{relays: make(map[*Memory]struct{})}
}

// Relay attaches a new relay to the hub.
func (h *Hub) Relay() *Memory {
	m := &Memory{
		hub:      h,
		channels: make(map[string]struct{}),
		inbox:    make(chan memoryMessage, memoryInboxSize),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.relays[m] = struct{}{}
	h.mu.Unlock()
	return m
}

func (h *Hub) detach(m *Memory) {
	h.mu.Lock()
	delete(h.relays, m)
	h.mu.Unlock()
}

type memoryMessage struct {
	channel string
	payload []byte
}

// Memory is an in-process relay attached to a Hub.
type Memory struct {
	hub *Hub

	mu       sync.RWMutex
	channels map[string]struct{}

	inbox     chan memoryMessage
	done      chan struct{}
	closeOnce sync.Once
	dropped   int
}

var _ Relay = (*Memory)(nil)

// Publish delivers payload to every subscribed relay of the hub. Relays whose
// inbox is full drop the message.
func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	data := make([]byte, len(payload))
	copy(data, payload)

	m.hub.mu.RLock()
	defer m.hub.mu.RUnlock()
	for r := range m.hub.relays {
		if r.subscribed(channel) {
			r.enqueue(memoryMessage{channel: channel, payload: data})
		}
	}
	return nil
}

// Subscribe registers interest in channels.
func (m *Memory) Subscribe(_ context.Context, channels ...string) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range channels {
		m.channels[ch] = struct{}{}
	}
	return nil
}

// Run delivers inbound messages to h until ctx is done or the relay is closed.
func (m *Memory) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return ErrClosed
		case msg := <-m.inbox:
			h(msg.channel, msg.payload)
		}
	}
}

// Dropped returns the number of messages dropped because the inbox was full.
func (m *Memory) Dropped() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped
}

// Close detaches the relay from its hub.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.hub.detach(m)
	})
	return nil
}

func (m *Memory) subscribed(channel string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channels[channel]
	return ok
}

func (m *Memory) enqueue(msg memoryMessage) {
	select {
	case m.inbox <- msg:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
	}
}
