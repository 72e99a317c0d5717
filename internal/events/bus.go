package events

import "sync"

// subscriber channels are buffered; a full buffer drops the event rather
// than blocking the publisher. Slow subscribers miss events, the engine
// never stalls.
const subscriberBuffer = 64

// QueueBus fans out QueueEvents to subscribers.
type QueueBus struct {
	mu   sync.Mutex
	subs map[int]chan QueueEvent
	next int
}

// NewQueueBus creates an empty bus.
func NewQueueBus() *QueueBus {
	return &QueueBus{subs: make(map[int]chan QueueEvent)}
}

// Subscribe returns a receive channel and a cancel func. Cancel closes
// the channel.
func (b *QueueBus) Subscribe() (<-chan QueueEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan QueueEvent, subscriberBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *QueueBus) Publish(ev QueueEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SyncBus fans out SyncEvents to subscribers.
type SyncBus struct {
	mu   sync.Mutex
	subs map[int]chan SyncEvent
	next int
}

// NewSyncBus creates an empty bus.
func NewSyncBus() *SyncBus {
	return &SyncBus{subs: make(map[int]chan SyncEvent)}
}

// Subscribe returns a receive channel and a cancel func.
func (b *SyncBus) Subscribe() (<-chan SyncEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan SyncEvent, subscriberBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *SyncBus) Publish(ev SyncEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// CacheBus fans out CacheEvents to subscribers.
type CacheBus struct {
	mu   sync.Mutex
	subs map[int]chan CacheEvent
	next int
}

// NewCacheBus creates an empty bus.
func NewCacheBus() *CacheBus {
	return &CacheBus{subs: make(map[int]chan CacheEvent)}
}

// Subscribe returns a receive channel and a cancel func.
func (b *CacheBus) Subscribe() (<-chan CacheEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan CacheEvent, subscriberBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *CacheBus) Publish(ev CacheEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// NetworkBus fans out NetworkEvents to subscribers.
type NetworkBus struct {
	mu   sync.Mutex
	subs map[int]chan NetworkEvent
	next int
}

// NewNetworkBus creates an empty bus.
func NewNetworkBus() *NetworkBus {
	return &NetworkBus{subs: make(map[int]chan NetworkEvent)}
}

// Subscribe returns a receive channel and a cancel func.
func (b *NetworkBus) Subscribe() (<-chan NetworkEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan NetworkEvent, subscriberBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *NetworkBus) Publish(ev NetworkEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
