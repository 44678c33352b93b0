// Package sessions owns every live game session of the process. Each session
// is paired with its connection registry and a serial queue through which all
// of its mutations flow.
package sessions

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-othello/internal/conn"
	"github.com/park285/cheese-othello/internal/game"
	"github.com/park285/cheese-othello/internal/obslog"
	"github.com/park285/cheese-othello/internal/othello"
)

// Errors
var (
	ErrNotFound    = errf("session not found")
	ErrQueueClosed = errf("session queue closed")
	ErrCorrupt     = errf("session entry is corrupt")
	ErrIDExhausted = errf("could not allocate a session id")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

// Entry pairs a session with its connections and queue. Game and Conns may only be
// touched from tasks running on the entry's queue; Snapshot is safe from anywhere.
type Entry struct {
	ID    string
	Game  *game.Session
	Conns *conn.Registry

	queue *Queue
	snap  atomic.Pointer[game.Snapshot]
}

// Submit enqueues a task on the session queue.
func (e *Entry) Submit(task func()) error { return e.queue.Submit(task) }

// Do runs task on the session queue and waits for it.
func (e *Entry) Do(ctx context.Context, task func()) error { return e.queue.Do(ctx, task) }

// Publish stores a fresh snapshot of Game. Call it from the queue after every commit.
func (e *Entry) Publish() {
	if e.Game == nil {
		return
	}
	s := e.Game.Snapshot()
	e.snap.Store(&s)
}

// Snapshot returns the last published state.
func (e *Entry) Snapshot() game.Snapshot {
	if s := e.snap.Load(); s != nil {
		return *s
	}
	return game.Snapshot{ID: e.ID}
}

// Check reports ErrCorrupt when the entry lost one of its owned parts.
func (e *Entry) Check() error {
	if e == nil || e.Game == nil || e.Conns == nil {
		return ErrCorrupt
	}
	return nil
}

// Options tunes the registry. Zero values take the defaults in NewRegistry.
type Options struct {
	Grace       time.Duration
	Retention   time.Duration
	IdleTimeout time.Duration
	QueueSize   int
	Scheduler   conn.Scheduler
	Now         func() time.Time
}

// Registry maps session ids to entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	opts    Options

	onGrace func(e *Entry, playerID string, gen uint64)
	onEvict func(e *Entry)
	newID   func() (string, error)
}

func NewRegistry(opts Options) *Registry {
	if opts.Grace <= 0 {
		opts.Grace = 30 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Scheduler == nil {
		opts.Scheduler = conn.RealScheduler{}
	}
	if opts.Now == nil {
		opts.Now = opts.Scheduler.Now
	}
	return &Registry{
		entries: make(map[string]*Entry),
		opts:    opts,
		newID:   codeGen,
	}
}

// OnGraceExpired sets the handler that runs, on the session queue, when a player's
// grace timer fires. It must be set before the first Create.
func (r *Registry) OnGraceExpired(fn func(e *Entry, playerID string, gen uint64)) { r.onGrace = fn }

// OnEvict sets the handler that runs as the last task of an evicted session.
func (r *Registry) OnEvict(fn func(e *Entry)) { r.onEvict = fn }

// Now returns the registry clock.
func (r *Registry) Now() time.Time { return r.opts.Now() }

// Create allocates a session waiting for its guest. initial may be nil for the standard opening.
func (r *Registry) Create(hostID string, initial *othello.Board, challengeID string) (*Entry, error) {
	now := r.opts.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	for i := 0; ; i++ {
		if i == 5 {
			return nil, ErrIDExhausted
		}
		cand, err := r.newID()
		if err != nil {
			return nil, fmt.Errorf("session id: %w", err)
		}
		if _, taken := r.entries[cand]; !taken {
			id = cand
			break
		}
	}

	g, err := game.New(id, hostID, initial, challengeID, now)
	if err != nil {
		return nil, err
	}
	e := &Entry{ID: id, Game: g, queue: NewQueue(id, r.opts.QueueSize)}
	e.Conns = conn.New(r.opts.Grace, r.opts.Scheduler, func(playerID string, gen uint64) {
		err := e.Submit(func() {
			if r.onGrace != nil {
				r.onGrace(e, playerID, gen)
			}
		})
		if err != nil {
			obslog.L().Debug("grace_expired_after_close", zap.String("session_id", e.ID), zap.String("player_id", playerID))
		}
	})
	e.Publish()
	r.entries[id] = e
	obslog.L().Info("session_create",
		zap.String("session_id", id),
		zap.String("host_id", hostID),
		zap.String("challenge_id", challengeID),
	)
	return e, nil
}

// Get returns the entry for id or ErrNotFound.
func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Evict removes the session. The eviction hook runs as the final queued task, the
// queue drains, and only then is the connection registry released.
// Evict must not be called from a task running on the session's own queue.
func (r *Registry) Evict(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if r.onEvict != nil {
		if err := e.Submit(func() { r.onEvict(e) }); err != nil {
			obslog.L().Warn("session_evict_hook_skipped", zap.String("session_id", id), zap.Error(err))
		}
	}
	e.queue.Close()
	if e.Conns != nil {
		e.Conns.Close()
	}
	obslog.L().Info("session_evict", zap.String("session_id", id), zap.String("status", string(e.Snapshot().Status)))
	return nil
}

// Sweep evicts terminal sessions past the retention window and waiting sessions
// past the idle timeout. It returns the evicted ids.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.RLock()
	var due []string
	for id, e := range r.entries {
		s := e.Snapshot()
		switch {
		case s.Status.Terminal() && !s.EndedAt.IsZero() && now.Sub(s.EndedAt) >= r.opts.Retention:
			due = append(due, id)
		case s.Status == game.StatusWaiting && now.Sub(s.CreatedAt) >= r.opts.IdleTimeout:
			due = append(due, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(due)
	for _, id := range due {
		_ = r.Evict(id)
	}
	return due
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ids := r.Sweep(r.opts.Now()); len(ids) > 0 {
				obslog.L().Info("session_sweep", zap.Int("evicted", len(ids)))
			}
		}
	}
}

// Snapshots returns the published state of every session, ordered by id.
func (r *Registry) Snapshots() []game.Snapshot {
	r.mu.RLock()
	out := make([]game.Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close evicts every session.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.Evict(id)
	}
}

// codeGen returns `OT-` + 6 upper alnum.
func codeGen() (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return fmt.Sprintf("OT-%s", string(b)), nil
}
