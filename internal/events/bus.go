package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Bus is an in-process publish/subscribe fan-out. Each subscriber owns a
// buffered channel; a full channel drops the event for that subscriber
// only, so one stuck consumer cannot block the publisher or its peers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	dropped atomic.Uint64
	logger  *slog.Logger
}

type subscriber struct {
	ch    chan Event
	types map[Type]bool // nil means all types
}

// NewBus creates an empty bus. The logger may be nil.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: logger,
	}
}

// Subscribe registers a consumer and returns its event channel together
// with a cancel function. The channel is closed on cancel. If types are
// given, only events of those types are delivered. The buffer size
// bounds how far the consumer may lag before events are dropped.
func (b *Bus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber without
// blocking. Events to full subscriber channels are counted and dropped.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[evt.Type] {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped for slow subscriber",
				"type", evt.Type,
				"task_id", evt.TaskID)
		}
	}
}

// Dropped returns the total number of events discarded because a
// subscriber channel was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
