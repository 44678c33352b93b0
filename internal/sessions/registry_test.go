package sessions

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/park285/cheese-othello/internal/conn/conntest"
	"github.com/park285/cheese-othello/internal/game"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *conntest.Scheduler) {
	t.Helper()
	sched := conntest.NewScheduler(start)
	r := NewRegistry(Options{
		Grace:       30 * time.Second,
		Retention:   time.Minute,
		IdleTimeout: 10 * time.Minute,
		Scheduler:   sched,
	})
	t.Cleanup(r.Close)
	return r, sched
}

func TestCreateGetEvict(t *testing.T) {
	r, _ := newTestRegistry(t)
	e, err := r.Create("host", nil, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(e.ID, "OT-") || len(e.ID) != 9 {
		t.Fatalf("id = %q", e.ID)
	}
	if s := e.Snapshot(); s.Status != game.StatusWaiting || s.HostID != "host" {
		t.Fatalf("snapshot = %+v", s)
	}
	got, err := r.Get(e.ID)
	if err != nil || got != e {
		t.Fatalf("Get: %v", err)
	}

	var order []string
	r.OnEvict(func(*Entry) { order = append(order, "hook") })
	_ = e.Submit(func() {
		time.Sleep(5 * time.Millisecond)
		order = append(order, "task")
	})
	if err := r.Evict(e.ID); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if strings.Join(order, ",") != "task,hook" {
		t.Fatalf("order = %v", order)
	}
	if _, err := r.Get(e.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after evict err = %v", err)
	}
	if err := e.Submit(func() {}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Submit after evict err = %v", err)
	}
	if err := r.Evict(e.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second evict err = %v", err)
	}
}

func TestCreateRetriesIDCollision(t *testing.T) {
	r, _ := newTestRegistry(t)
	ids := []string{"OT-AAAAAA", "OT-AAAAAA", "OT-BBBBBB"}
	r.newID = func() (string, error) {
		id := ids[0]
		ids = ids[1:]
		return id, nil
	}
	a, err := r.Create("h1", nil, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b, err := r.Create("h2", nil, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID != "OT-AAAAAA" || b.ID != "OT-BBBBBB" {
		t.Fatalf("ids = %s, %s", a.ID, b.ID)
	}
	r.newID = func() (string, error) { return "OT-AAAAAA", nil }
	if _, err := r.Create("h3", nil, ""); !errors.Is(err, ErrIDExhausted) {
		t.Fatalf("err = %v, want ErrIDExhausted", err)
	}
}

func TestSweepEvictsIdleAndFinished(t *testing.T) {
	r, _ := newTestRegistry(t)
	idle, _ := r.Create("idle-host", nil, "")
	done, _ := r.Create("done-host", nil, "")
	live, _ := r.Create("live-host", nil, "")

	ctx := context.Background()
	if err := done.Do(ctx, func() {
		_, _ = done.Game.Join("g1", start)
		_, _ = done.Game.Forfeit("g1", "", start)
		done.Publish()
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if err := live.Do(ctx, func() {
		_, _ = live.Game.Join("g2", start)
		live.Publish()
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}

	if got := r.Sweep(start.Add(30 * time.Second)); len(got) != 0 {
		t.Fatalf("early sweep evicted %v", got)
	}
	if got := r.Sweep(start.Add(2 * time.Minute)); len(got) != 1 || got[0] != done.ID {
		t.Fatalf("sweep = %v, want [%s]", got, done.ID)
	}
	if got := r.Sweep(start.Add(11 * time.Minute)); len(got) != 1 || got[0] != idle.ID {
		t.Fatalf("sweep = %v, want [%s]", got, idle.ID)
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d, want only the in-progress session", r.Len())
	}
}

func TestGraceExpiryRunsOnQueue(t *testing.T) {
	r, sched := newTestRegistry(t)
	fired := make(chan string, 1)
	r.OnGraceExpired(func(e *Entry, playerID string, gen uint64) {
		if e.Conns.Expired(playerID, gen) {
			fired <- playerID
		}
	})
	e, err := r.Create("host", nil, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c := conntest.NewTransport("c1")
	e.Conns.Bind("host", c)
	e.Conns.Unbind("host", c)
	sched.Advance(30 * time.Second)
	select {
	case p := <-fired:
		if p != "host" {
			t.Fatalf("expired player = %q", p)
		}
	case <-time.After(time.Second):
		t.Fatalf("grace expiry never reached the queue")
	}
}

func TestCorruptEntryDetected(t *testing.T) {
	e := &Entry{ID: "OT-XXXXXX"}
	if !errors.Is(e.Check(), ErrCorrupt) {
		t.Fatalf("Check on empty entry = %v", e.Check())
	}
	if s := e.Snapshot(); s.ID != "OT-XXXXXX" {
		t.Fatalf("snapshot of unpublished entry = %+v", s)
	}
}
