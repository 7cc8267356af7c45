package eventlog

import (
	"sync"

	"seed/internal/event"
	"seed/internal/shared/logging"
)

const defaultFeedBuffer = 1024

// feed is the hot observable attached to the log. Delivery order matches file
// order; a slow subscriber loses events rather than stalling the writer.
type feed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan event.Stored
	logger logging.Logger
}

func newFeed(logger logging.Logger) *feed {
	return &feed{
		subs:   make(map[int]chan event.Stored),
		logger: logger,
	}
}

func (f *feed) subscribe(buffer int) (<-chan event.Stored, func()) {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	ch := make(chan event.Stored, buffer)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

func (f *feed) publish(entry event.Stored) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- entry:
		default:
			f.logger.Warn("Feed subscriber %d lagging; dropped event %d (%s)", id, entry.ID, entry.Type)
		}
	}
}
