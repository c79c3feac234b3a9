package evolution

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// bus fans events out to subscribers in subscription order.
type bus struct {
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

func newBus(logger *zap.Logger) *bus {
	return &bus{logger: logger, subs: make(map[int]func(Event))}
}

func (b *bus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *bus) publish(ev Event) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.mu.Unlock()

	eventsPublished.WithLabelValues(string(ev.Type)).Inc()
	for _, fn := range fns {
		b.deliver(fn, ev)
	}
}

// deliver isolates subscribers from each other's panics.
func (b *bus) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("subscriber panicked",
				zap.String("event", string(ev.Type)),
				zap.String("domain", ev.StateID),
				zap.Any("panic", r),
			)
		}
	}()
	fn(ev)
}
