package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// ProgressEvent is one progress notification. Step is 1-based; Fraction is
// the completion of that step, 0 before it runs and 1 after it finishes.
type ProgressEvent struct {
	RunID    string    `json:"run_id"`
	Step     int       `json:"step"`
	Total    int       `json:"total"`
	Label    string    `json:"label"`
	Fraction float64   `json:"fraction"`
	Detail   string    `json:"detail,omitempty"`
	Time     time.Time `json:"time"`
}

// Percent returns overall run progress (0-100) implied by the event.
func (e ProgressEvent) Percent() int {
	if e.Total <= 0 {
		return 0
	}
	done := float64(e.Step-1) + e.Fraction
	p := int(done * 100 / float64(e.Total))
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// ProgressSink receives progress events. Report must not block for long;
// engines call it from the run goroutine.
type ProgressSink interface {
	Report(ProgressEvent)
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(ProgressEvent)

func (f SinkFunc) Report(e ProgressEvent) { f(e) }

// Discard drops every event.
var Discard ProgressSink = SinkFunc(func(ProgressEvent) {})

// Tee fans events out to several sinks in order.
func Tee(sinks ...ProgressSink) ProgressSink {
	return SinkFunc(func(e ProgressEvent) {
		for _, s := range sinks {
			if s != nil {
				s.Report(e)
			}
		}
	})
}

// AsyncSink decouples a run from a slow or failing sink. Events are queued
// in a bounded buffer and delivered by a single goroutine; when the buffer
// is full the event is dropped and counted. A panicking sink is contained.
type AsyncSink struct {
	next    ProgressSink
	ch      chan ProgressEvent
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewAsyncSink starts delivering to next. Call Close when the run ends.
func NewAsyncSink(next ProgressSink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 64
	}
	s := &AsyncSink{
		next: next,
		ch:   make(chan ProgressEvent, buffer),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for e := range s.ch {
		s.deliver(e)
	}
}

func (s *AsyncSink) deliver(e ProgressEvent) {
	defer func() {
		if recover() != nil {
			s.dropped.Add(1)
		}
	}()
	s.next.Report(e)
}

// Report queues e without blocking.
func (s *AsyncSink) Report(e ProgressEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (s *AsyncSink) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	<-s.done
}

// Dropped returns the number of events that were not delivered.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}
