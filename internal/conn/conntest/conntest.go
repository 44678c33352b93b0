// Package conntest provides a manual clock and a recording transport for tests.
package conntest

import (
	"sort"
	"sync"
	"time"

	"github.com/park285/cheese-othello/internal/conn"
	"github.com/park285/cheese-othello/pkg/othellodto"
)

// Scheduler is a conn.Scheduler whose timers fire only when Advance is called.
type Scheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*timer
}

type timer struct {
	s       *Scheduler
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *timer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func NewScheduler(start time.Time) *Scheduler { return &Scheduler{now: start} }

func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Scheduler) AfterFunc(d time.Duration, f func()) conn.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &timer{s: s, at: s.now.Add(d), f: f}
	s.timers = append(s.timers, t)
	return t
}

// Advance moves the clock forward and runs every due timer, in deadline order,
// on the calling goroutine.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	var due []*timer
	rest := s.timers[:0]
	for _, t := range s.timers {
		switch {
		case t.stopped:
		case !t.at.After(s.now):
			t.fired = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	s.timers = rest
	s.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Transport records every message sent to it.
type Transport struct {
	id string

	mu       sync.Mutex
	msgs     []othellodto.Outbound
	closed   bool
	reason   string
	capacity int
}

// NewTransport returns a transport that accepts an unlimited number of messages.
func NewTransport(id string) *Transport {
	return &Transport{id: id}
}

// NewBoundedTransport drops (and closes itself) once capacity messages are held.
func NewBoundedTransport(id string, capacity int) *Transport {
	t := NewTransport(id)
	t.capacity = capacity
	return t
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Send(msg othellodto.Outbound) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	if t.capacity > 0 && len(t.msgs) >= t.capacity {
		t.closed = true
		t.reason = "overflow"
		t.mu.Unlock()
		return false
	}
	t.msgs = append(t.msgs, msg)
	t.mu.Unlock()
	return true
}

func (t *Transport) Close(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.reason = reason
	}
}

// Messages returns a copy of everything received so far.
func (t *Transport) Messages() []othellodto.Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]othellodto.Outbound(nil), t.msgs...)
}

// Last returns the most recent message and false if there is none.
func (t *Transport) Last() (othellodto.Outbound, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.msgs) == 0 {
		return othellodto.Outbound{}, false
	}
	return t.msgs[len(t.msgs)-1], true
}

// OfType filters received messages by outbound type.
func (t *Transport) OfType(typ string) []othellodto.Outbound {
	var out []othellodto.Outbound
	for _, m := range t.Messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// Reset drops recorded messages.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = nil
}

// Closed reports whether Close was called and with which reason.
func (t *Transport) Closed() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.reason
}
