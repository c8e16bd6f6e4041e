package syncqueue

import (
	"sync"

	"github.com/wurt83ow/hifzkeeper/pkg/models"
)

type EventKind int

const (
	// EventSyncComplete fires once per item confirmed by the remote.
	EventSyncComplete EventKind = iota + 1
	EventSyncFailed
	EventDeadLettered
)

func (k EventKind) String() string {
	switch k {
	case EventSyncComplete:
		return "sync_complete"
	case EventSyncFailed:
		return "sync_failed"
	case EventDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	Item models.SyncQueueItem
	Err  error
}

// eventBus delivers events synchronously, in subscription order.
type eventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
	order  []int
}

func (b *eventBus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *eventBus) emit(ev Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.subs[id])
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Subscribe registers fn for queue events and returns a function that
// removes it. fn runs on the replaying goroutine and must not block.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	return m.events.subscribe(fn)
}
