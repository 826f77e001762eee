package event

import (
	"fmt"
	"sync"
)

// Log is the in-memory append-only event list. It is not safe for
// concurrent use; the engine serialises access.
type Log struct {
	events []Event
}

func NewLog() *Log { return &Log{} }

// Load replaces the log with events restored from storage. Sequence numbers
// must run 1..n without gaps.
func (l *Log) Load(events []Event) error {
	for i, e := range events {
		if e.Seq != uint64(i+1) {
			return fmt.Errorf("event log gap: position %d holds seq %d", i+1, e.Seq)
		}
	}
	l.events = append([]Event(nil), events...)
	return nil
}

// Next returns the sequence number the next appended event must carry.
func (l *Log) Next() uint64 { return uint64(len(l.events)) + 1 }

// Len returns the number of events.
func (l *Log) Len() int { return len(l.events) }

// Append adds e, which must carry Next() as its sequence number.
func (l *Log) Append(e Event) error {
	if e.Seq != l.Next() {
		return fmt.Errorf("append seq %d, expected %d", e.Seq, l.Next())
	}
	l.events = append(l.events, e)
	return nil
}

// Range returns up to limit events with Seq >= from, in creation order.
// limit <= 0 means no limit.
func (l *Log) Range(from uint64, limit int) []Event {
	if from == 0 {
		from = 1
	}
	if from > uint64(len(l.events)) {
		return nil
	}
	rest := l.events[from-1:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	return append([]Event(nil), rest...)
}

// Feed pushes committed events to subscribers. A subscriber whose buffer is
// full misses the event; Dropped tells it to resynchronise through Log.Range.
type Feed struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[*Subscription]struct{})}
}

// Subscription is a live event channel.
type Subscription struct {
	feed *Feed
	ch   chan Event

	mu      sync.Mutex
	dropped uint64
	closed  bool
}

// Subscribe registers a subscriber with the given channel buffer.
func (f *Feed) Subscribe(buffer int) *Subscription {
	s := &Subscription{feed: f, ch: make(chan Event, buffer)}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	return s
}

// C returns the channel events are delivered on. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns the number of events this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.feed.mu.Lock()
	delete(s.feed.subs, s)
	s.feed.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Publish delivers e to every subscriber without blocking.
func (f *Feed) Publish(e Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for s := range f.subs {
		s.mu.Lock()
		if !s.closed {
			select {
			case s.ch <- e:
			default:
				s.dropped++
			}
		}
		s.mu.Unlock()
	}
}

// Close unsubscribes everyone, closing their channels.
func (f *Feed) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[*Subscription]struct{})
	f.mu.Unlock()
	for s := range subs {
		s.Unsubscribe()
	}
}
