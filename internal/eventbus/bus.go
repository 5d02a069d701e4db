// Package eventbus is the in-memory fanout used to route notification
// feedback (alert clicked / dismissed) from the sink drivers back to
// the pipeline without coupling them to the controller.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Feedback event types published by the sink drivers.
const (
	TypeAlertClicked   = "alert.clicked"
	TypeAlertDismissed = "alert.dismissed"
)

// AlertFeedback is the payload of alert.clicked / alert.dismissed.
type AlertFeedback struct {
	AlertID string
}

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// PublishFeedback is the helper sink drivers use to report a click or
// dismissal on an alert they posted.
func PublishFeedback(b Bus, typ, alertID string) {
	b.Publish(Event{Type: typ, Data: AlertFeedback{AlertID: alertID}})
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; slow subscribers drop. A concurrent
		// Unsubscribe may close the channel mid-send, hence the recover.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
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
			// Safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
