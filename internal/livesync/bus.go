package livesync

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/device"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
)

// Publisher accepts events
type Publisher interface {
	Publish(e Event)
}

// Bus fans events out to subscribers.
//
// Publish never blocks. Subscribers get buffered channels; a subscriber that
// falls behind loses events and should pull state to catch up.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64

	// OnDrop is called for every event a subscriber missed
	OnDrop func()
}

// NewBus returns an in-memory fanout bus
func NewBus() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

// Publish delivers e to every subscriber with buffer space
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// The channel may be closed by a concurrent unsubscribe.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
				if b.OnDrop != nil {
					b.OnDrop()
				}
			}
		}()
	}
}

// Subscribe registers a subscriber with the given buffer size
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Subscribers returns the number of active subscribers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were dropped
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// DeviceListener returns a device transition listener publishing to the bus
func (b *Bus) DeviceListener() func(device.Transition) {
	return func(tr device.Transition) {
		for _, e := range DeviceEvents(tr) {
			b.Publish(e)
		}
	}
}

// QueueObserver publishes TARGET_COMPLETED for every completed target
type QueueObserver struct {
	queue.BaseObserver
	pub Publisher
}

// NewQueueObserver creates a queue observer publishing to pub
func NewQueueObserver(pub Publisher) *QueueObserver {
	return &QueueObserver{pub: pub}
}

// TargetCompleted implements queue.Observer
func (o *QueueObserver) TargetCompleted(t *queue.Target) {
	o.pub.Publish(TargetEvent(t))
}
