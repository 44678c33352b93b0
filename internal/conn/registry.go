// Package conn tracks which transport each player of a session is bound to,
// along with liveness and the grace period that follows a disconnect.
package conn

import (
	"sort"
	"sync"
	"time"

	"github.com/park285/cheese-othello/pkg/othellodto"
)

// Transport is the send side of one live client connection.
type Transport interface {
	ID() string
	// Send queues msg without blocking. It reports false when the message was dropped.
	Send(msg othellodto.Outbound) bool
	Close(reason string)
}

// Handle is the per-player record of a session's connection state.
type Handle struct {
	PlayerID      string
	Conn          Transport
	Connected     bool
	LastSeenAt    time.Time
	GraceDeadline time.Time

	gen   uint64
	timer Timer
}

// ExpireFunc is called from a timer goroutine when a grace period ends.
// The callee must route the work through the session queue and confirm it with Expired.
type ExpireFunc func(playerID string, gen uint64)

// Registry maps the players of one session to their transports.
type Registry struct {
	mu       sync.Mutex
	grace    time.Duration
	sched    Scheduler
	onExpire ExpireFunc
	handles  map[string]*Handle
	closed   bool
}

// New creates a registry. A nil scheduler uses the wall clock.
func New(grace time.Duration, sched Scheduler, onExpire ExpireFunc) *Registry {
	if sched == nil {
		sched = RealScheduler{}
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Registry{
		grace:    grace,
		sched:    sched,
		onExpire: onExpire,
		handles:  make(map[string]*Handle),
	}
}

// Grace returns the configured grace period.
func (r *Registry) Grace() time.Duration { return r.grace }

// Bind registers t as the live transport of playerID and cancels any pending grace timer.
// It returns the transport that was replaced (nil if none) and whether the player was
// previously disconnected, i.e. this is a reconnect.
func (r *Registry) Bind(playerID string, t Transport) (replaced Transport, reconnect bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	h, ok := r.handles[playerID]
	if !ok {
		h = &Handle{PlayerID: playerID}
		r.handles[playerID] = h
	} else {
		reconnect = !h.Connected
		if h.Connected && h.Conn != nil && h.Conn.ID() != t.ID() {
			replaced = h.Conn
		}
	}
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.gen++
	h.Conn = t
	h.Connected = true
	h.LastSeenAt = r.sched.Now()
	h.GraceDeadline = time.Time{}
	return replaced, reconnect
}

// Unbind marks playerID disconnected and starts the grace timer. A transport that has
// already been replaced by a newer bind is ignored and Unbind returns false.
func (r *Registry) Unbind(playerID string, t Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	h, ok := r.handles[playerID]
	if !ok || !h.Connected || h.Conn == nil || h.Conn.ID() != t.ID() {
		return false
	}
	now := r.sched.Now()
	h.gen++
	h.Conn = nil
	h.Connected = false
	h.GraceDeadline = now.Add(r.grace)
	gen := h.gen
	if r.onExpire != nil {
		h.timer = r.sched.AfterFunc(r.grace, func() { r.onExpire(playerID, gen) })
	}
	return true
}

// Touch refreshes lastSeenAt for the transport currently bound to playerID.
// Heartbeats never reset a running grace timer.
func (r *Registry) Touch(playerID string, t Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[playerID]
	if !ok || !h.Connected || h.Conn == nil || h.Conn.ID() != t.ID() {
		return false
	}
	h.LastSeenAt = r.sched.Now()
	return true
}

// Expired confirms a grace timer firing: true only if the player is still disconnected
// and no bind or unbind happened since the timer was armed.
func (r *Registry) Expired(playerID string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	h, ok := r.handles[playerID]
	if !ok || h.Connected || h.gen != gen {
		return false
	}
	h.timer = nil
	h.GraceDeadline = time.Time{}
	return true
}

// Connected reports whether playerID currently has a live transport.
func (r *Registry) Connected(playerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[playerID]
	return ok && h.Connected
}

// ConnOf returns the transport bound to playerID, or nil.
func (r *Registry) ConnOf(playerID string) Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[playerID]; ok && h.Connected {
		return h.Conn
	}
	return nil
}

// Conns returns the live transports ordered by player id.
func (r *Registry) Conns() []Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.handles))
	for id, h := range r.handles {
		if h.Connected && h.Conn != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]Transport, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.handles[id].Conn)
	}
	return out
}

// Handle returns a copy of playerID's record.
func (r *Registry) Handle(playerID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[playerID]
	if !ok {
		return Handle{}, false
	}
	cp := *h
	cp.timer = nil
	return cp, true
}

// Close stops every timer and returns the transports that were still bound.
// The registry rejects all further calls.
func (r *Registry) Close() []Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var live []Transport
	for _, h := range r.handles {
		if h.timer != nil {
			h.timer.Stop()
			h.timer = nil
		}
		if h.Connected && h.Conn != nil {
			live = append(live, h.Conn)
		}
		h.Connected = false
		h.Conn = nil
	}
	return live
}
