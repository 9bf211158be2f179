// Package events fans job-state deltas out to connected observers.
// Delivery is best-effort and at-most-once: a subscriber whose buffer is
// full is dropped rather than ever blocking a publisher.
package events

import (
	"sync"
	"time"
)

// Kind classifies broadcast events.
type Kind string

const (
	KindJobDelta     Kind = "job"
	KindQueueChanged Kind = "queue"
	KindPauseChanged Kind = "pause"
)

// Event is one broadcast message.
type Event struct {
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	JobID     string         `json:"job_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Paused    *bool          `json:"paused,omitempty"`
}

// Subscriber receives events on C until dropped or unsubscribed.
type Subscriber struct {
	C    chan Event
	once sync.Once
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.C) })
}

// Broadcaster is the fan-out hub. It also keeps a bounded replay buffer
// so reconnecting observers can catch up by sequence number.
type Broadcaster struct {
	mu      sync.Mutex
	nextSeq int64
	subs    map[*Subscriber]struct{}
	recent  []Event
	maxKeep int
	bufSize int
}

// New creates a broadcaster keeping up to maxKeep recent events and
// giving each subscriber a buffer of bufSize.
func New(maxKeep, bufSize int) *Broadcaster {
	if maxKeep <= 0 {
		maxKeep = 500
	}
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{
		subs:    make(map[*Subscriber]struct{}),
		maxKeep: maxKeep,
		bufSize: bufSize,
	}
}

// Subscribe registers a new observer.
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{C: make(chan Event, b.bufSize)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes an observer and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish stamps the event and fans it out. Subscribers that cannot
// accept the event immediately are dropped.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	b.nextSeq++
	ev.Seq = b.nextSeq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.recent = append(b.recent, ev)
	if len(b.recent) > b.maxKeep {
		trim := len(b.recent) - b.maxKeep
		b.recent = append([]Event(nil), b.recent[trim:]...)
	}

	var dropped []*Subscriber
	for sub := range b.subs {
		select {
		case sub.C <- ev:
		default:
			dropped = append(dropped, sub)
			delete(b.subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		sub.close()
	}
}

// Since returns buffered events with sequence strictly greater than seq.
func (b *Broadcaster) Since(seq int64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, ev := range b.recent {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// JobDelta builds a per-job partial-field delta event.
func JobDelta(jobID string, fields map[string]any) Event {
	return Event{Kind: KindJobDelta, JobID: jobID, Fields: fields}
}

// QueueChanged builds a queue-structure-changed event.
func QueueChanged() Event {
	return Event{Kind: KindQueueChanged}
}

// PauseChanged builds a global-pause-state-changed event.
func PauseChanged(paused bool) Event {
	return Event{Kind: KindPauseChanged, Paused: &paused}
}
