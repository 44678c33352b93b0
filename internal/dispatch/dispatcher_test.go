package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/park285/cheese-othello/internal/auth"
	"github.com/park285/cheese-othello/internal/conn/conntest"
	"github.com/park285/cheese-othello/internal/daily"
	"github.com/park285/cheese-othello/internal/game"
	"github.com/park285/cheese-othello/internal/results"
	"github.com/park285/cheese-othello/internal/sessions"
	"github.com/park285/cheese-othello/pkg/othellodto"
)

const grace = 30 * time.Second

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t     *testing.T
	reg   *sessions.Registry
	sched *conntest.Scheduler
	d     *Dispatcher
	res   results.Repository
	arc   *fakeArchive
}

type fakeArchive struct {
	mu    sync.Mutex
	saved []game.Snapshot
}

func (a *fakeArchive) Save(_ context.Context, s game.Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, s)
	return nil
}

func (a *fakeArchive) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.saved)
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	sched := conntest.NewScheduler(start)
	reg := sessions.NewRegistry(sessions.Options{
		Grace:       grace,
		Retention:   time.Minute,
		IdleTimeout: 10 * time.Minute,
		Scheduler:   sched,
	})
	h := &harness{t: t, reg: reg, sched: sched, res: results.NewMemoryRepository(), arc: &fakeArchive{}}
	opts := Options{Sessions: reg, Results: h.res, Archive: h.arc}
	if mutate != nil {
		mutate(&opts)
	}
	h.d = New(opts)
	t.Cleanup(func() {
		reg.Close()
		h.d.Wait()
	})
	return h
}

// send handles msg and waits until the session queue has processed it.
func (h *harness) send(c *conntest.Transport, msg othellodto.Inbound) {
	h.t.Helper()
	h.d.Handle(context.Background(), c, msg)
	h.flushAll()
}

func (h *harness) flushAll() {
	h.t.Helper()
	for _, s := range h.reg.Snapshots() {
		h.flush(s.ID)
	}
}

func (h *harness) flush(id string) {
	h.t.Helper()
	e, err := h.reg.Get(id)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Do(ctx, func() {}); err != nil && err != sessions.ErrQueueClosed {
		h.t.Fatalf("flush %s: %v", id, err)
	}
}

// create makes a session hosted on c and returns its id.
func (h *harness) create(c *conntest.Transport, player string) string {
	h.t.Helper()
	h.send(c, othellodto.Inbound{Type: othellodto.TypeCreate, PlayerID: player})
	snaps := c.OfType(othellodto.TypeSnapshot)
	if len(snaps) == 0 {
		h.t.Fatalf("no snapshot after create: %+v", c.Messages())
	}
	return snaps[len(snaps)-1].SessionID
}

func (h *harness) started() (id string, host, guest *conntest.Transport) {
	h.t.Helper()
	host, guest = conntest.NewTransport("host-1"), conntest.NewTransport("guest-1")
	id = h.create(host, "host")
	h.send(guest, othellodto.Inbound{Type: othellodto.TypeJoin, SessionID: id, PlayerID: "guest"})
	return id, host, guest
}

func move(cell int) othellodto.Inbound {
	return othellodto.Inbound{Type: othellodto.TypeMove, Cell: othellodto.IntPtr(cell)}
}

func lastStatus(t *testing.T, c *conntest.Transport) *othellodto.Status {
	t.Helper()
	st := c.OfType(othellodto.TypeStatus)
	if len(st) == 0 {
		t.Fatalf("no status frames on %s: %+v", c.ID(), c.Messages())
	}
	return st[len(st)-1].Status
}

func TestHostMoveDisconnectGraceForfeit(t *testing.T) {
	h := newHarness(t, nil)
	id, host, guest := h.started()

	snap := guest.OfType(othellodto.TypeSnapshot)
	if len(snap) != 1 {
		t.Fatalf("guest snapshots = %d", len(snap))
	}
	if s := snap[0].Snapshot; s.Status != string(game.StatusInProgress) || s.Turn != "black" || s.You != "white" {
		t.Fatalf("guest snapshot = %+v", s)
	}
	if st := lastStatus(t, host); st.Event != "joined" || st.PlayerID != "guest" {
		t.Fatalf("host status = %+v", st)
	}

	h.send(host, move(19))
	for _, c := range []*conntest.Transport{host, guest} {
		deltas := c.OfType(othellodto.TypeDelta)
		if len(deltas) != 1 {
			t.Fatalf("%s deltas = %d", c.ID(), len(deltas))
		}
		dl := deltas[0]
		if dl.Seq != 1 || dl.Delta.Move.Cell != 19 || len(dl.Delta.Move.Flipped) != 1 || dl.Delta.Move.Flipped[0] != 27 {
			t.Fatalf("delta = %+v", dl.Delta)
		}
		if dl.Delta.Turn != "white" || dl.Delta.Score != (othellodto.Score{Black: 4, White: 1}) {
			t.Fatalf("delta turn/score = %s %+v", dl.Delta.Turn, dl.Delta.Score)
		}
	}

	h.d.Disconnected(host)
	h.flush(id)
	if st := lastStatus(t, guest); st.Event != "paused" || st.Status != string(game.StatusPaused) {
		t.Fatalf("guest status after disconnect = %+v", st)
	}

	h.sched.Advance(grace)
	h.flush(id)
	st := lastStatus(t, guest)
	if st.Event != "completed" || st.Result != string(game.ResultWhiteWins) || st.Winner != "guest" || st.Reason != string(game.ReasonDisconnect) {
		t.Fatalf("final status = %+v", st)
	}
	if st.Message == "" {
		t.Fatalf("status message not rendered")
	}

	h.d.Wait()
	recs, err := h.res.Recent(context.Background(), "guest", 5)
	if err != nil || len(recs) != 1 || recs[0].Reason != "disconnect" {
		t.Fatalf("persisted = %+v, %v", recs, err)
	}
	if h.arc.count() == 0 {
		t.Fatalf("archive never written")
	}
}

func TestReconnectWithinGraceResyncs(t *testing.T) {
	h := newHarness(t, nil)
	id, host, guest := h.started()
	h.send(host, move(19))

	h.d.Disconnected(host)
	h.flush(id)
	h.sched.Advance(grace / 2)
	h.send(guest, move(18))

	host2 := conntest.NewTransport("host-2")
	h.send(host2, othellodto.Inbound{Type: othellodto.TypeJoin, SessionID: id, PlayerID: "host"})
	snaps := host2.OfType(othellodto.TypeSnapshot)
	if len(snaps) != 1 {
		t.Fatalf("reconnect snapshots = %d", len(snaps))
	}
	s := snaps[0]
	if s.Seq != 2 || len(s.Snapshot.Moves) != 2 || s.Snapshot.Moves[1].Cell != 18 {
		t.Fatalf("snapshot after reconnect = %+v", s.Snapshot)
	}
	if s.Snapshot.Turn != "black" || s.Snapshot.You != "black" {
		t.Fatalf("turn=%s you=%s", s.Snapshot.Turn, s.Snapshot.You)
	}
	if st := lastStatus(t, guest); st.Event != "resumed" {
		t.Fatalf("guest status = %+v", st)
	}

	h.sched.Advance(grace)
	h.flush(id)
	if got := h.reg.Snapshots()[0].Status; got != game.StatusInProgress {
		t.Fatalf("status after grace = %s, want IN_PROGRESS", got)
	}
	if n := len(host.OfType(othellodto.TypeDelta)); n != 1 {
		t.Fatalf("old transport received %d deltas after disconnect", n)
	}
}

func TestErrorsGoToOriginatorOnly(t *testing.T) {
	h := newHarness(t, nil)
	_, host, guest := h.started()
	host.Reset()
	guest.Reset()

	h.send(guest, move(19))
	errs := guest.OfType(othellodto.TypeError)
	if len(errs) != 1 || errs[0].Error.Code != othellodto.CodeNotYourTurn || errs[0].Error.Ref != othellodto.TypeMove {
		t.Fatalf("guest errors = %+v", guest.Messages())
	}
	if n := len(host.Messages()); n != 0 {
		t.Fatalf("host received %d frames for the guest's error", n)
	}

	h.send(host, move(0))
	errs = host.OfType(othellodto.TypeError)
	if len(errs) != 1 || errs[0].Error.Code != othellodto.CodeIllegalMove || errs[0].Error.Message != "a1 is not a legal move." {
		t.Fatalf("host errors = %+v", host.Messages())
	}

	h.send(host, othellodto.Inbound{Type: othellodto.TypeMove})
	if last, _ := host.Last(); last.Error == nil || last.Error.Code != othellodto.CodeBadRequest {
		t.Fatalf("missing cell = %+v", last)
	}
}

func TestJoinErrors(t *testing.T) {
	h := newHarness(t, nil)
	id, _, _ := h.started()

	third := conntest.NewTransport("third")
	h.send(third, othellodto.Inbound{Type: othellodto.TypeJoin, SessionID: id, PlayerID: "carol"})
	if last, _ := third.Last(); last.Error == nil || last.Error.Code != othellodto.CodeAlreadyFull {
		t.Fatalf("third join = %+v", last)
	}
	h.send(third, move(19))
	if last, _ := third.Last(); last.Error == nil || last.Error.Code != othellodto.CodeBadRequest {
		t.Fatalf("move after rejected join = %+v", last)
	}

	lost := conntest.NewTransport("lost")
	h.send(lost, othellodto.Inbound{Type: othellodto.TypeJoin, SessionID: "OT-NOPE00", PlayerID: "dave"})
	if last, _ := lost.Last(); last.Error == nil || last.Error.Code != othellodto.CodeNotFound {
		t.Fatalf("unknown session = %+v", last)
	}

	early := conntest.NewTransport("early")
	waiting := h.create(early, "erin")
	h.send(early, move(19))
	if last, _ := early.Last(); last.Error == nil || last.Error.Code != othellodto.CodeNotStarted {
		t.Fatalf("move before guest = %+v", last)
	}
	h.send(early, othellodto.Inbound{Type: othellodto.TypeCreate, PlayerID: "erin"})
	if last, _ := early.Last(); last.Error == nil || last.Error.Code != othellodto.CodeBadRequest {
		t.Fatalf("second create while hosting %s = %+v", waiting, last)
	}
}

func TestConcurrentMovesObserveOneOrder(t *testing.T) {
	h := newHarness(t, nil)
	id, host, guest := h.started()

	var wg sync.WaitGroup
	for _, tc := range []struct {
		c     *conntest.Transport
		cells []int
	}{
		{host, []int{19, 26, 37, 44, 17, 20, 34}},
		{guest, []int{18, 20, 34, 29, 43, 45, 21}},
	} {
		wg.Add(1)
		go func(c *conntest.Transport, cells []int) {
			defer wg.Done()
			for _, cell := range cells {
				h.d.Handle(context.Background(), c, move(cell))
			}
		}(tc.c, tc.cells)
	}
	wg.Wait()
	h.flush(id)

	a, b := host.OfType(othellodto.TypeDelta), guest.OfType(othellodto.TypeDelta)
	if len(a) == 0 || len(a) != len(b) {
		t.Fatalf("delta counts host=%d guest=%d", len(a), len(b))
	}
	for i := range a {
		if a[i].Seq != i+1 || b[i].Seq != i+1 || a[i].Delta.Move.Cell != b[i].Delta.Move.Cell {
			t.Fatalf("delta %d differs: host=%+v guest=%+v", i, a[i].Delta.Move, b[i].Delta.Move)
		}
	}
	if got := h.reg.Snapshots()[0].Seq(); got != len(a) {
		t.Fatalf("committed %d moves, broadcast %d", got, len(a))
	}
}

func TestSlowViewerDoesNotStallBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	host, guest := conntest.NewTransport("host-1"), conntest.NewBoundedTransport("guest-1", 1)
	id := h.create(host, "host")
	h.send(guest, othellodto.Inbound{Type: othellodto.TypeJoin, SessionID: id, PlayerID: "guest"})
	h.send(host, move(19))

	deltas := host.OfType(othellodto.TypeDelta)
	if len(deltas) != 1 || deltas[0].Seq != 1 {
		t.Fatalf("host deltas = %+v", deltas)
	}
	if closed, reason := guest.Closed(); !closed || reason != "overflow" {
		t.Fatalf("guest closed=%v reason=%q", closed, reason)
	}
	if n := len(guest.Messages()); n != 1 {
		t.Fatalf("guest kept %d messages", n)
	}
	if got := h.reg.Snapshots()[0].Status; got != game.StatusInProgress {
		t.Fatalf("status = %s", got)
	}
}

func TestBothDisconnectAbandons(t *testing.T) {
	h := newHarness(t, nil)
	id, host, guest := h.started()
	h.d.Disconnected(host)
	h.d.Disconnected(guest)
	h.flush(id)
	h.sched.Advance(grace)
	h.flush(id)
	s := h.reg.Snapshots()[0]
	if s.Status != game.StatusAbandoned || s.Reason != game.ReasonDisconnect {
		t.Fatalf("status=%s reason=%s", s.Status, s.Reason)
	}
}

func TestStaggeredDisconnectForfeitsFirstToExpire(t *testing.T) {
	h := newHarness(t, nil)
	id, host, guest := h.started()
	h.d.Disconnected(host)
	h.flush(id)
	h.sched.Advance(25 * time.Second)
	h.d.Disconnected(guest)
	h.flush(id)

	// host's grace ends while the guest is still inside theirs
	h.sched.Advance(5 * time.Second)
	h.flush(id)
	s := h.reg.Snapshots()[0]
	if s.Status != game.StatusCompleted || s.Reason != game.ReasonDisconnect || s.Winner != "guest" {
		t.Fatalf("status=%s reason=%s winner=%q", s.Status, s.Reason, s.Winner)
	}

	h.sched.Advance(10 * time.Second)
	back := conntest.NewTransport("guest-2")
	h.send(back, othellodto.Inbound{Type: othellodto.TypeJoin, SessionID: id, PlayerID: "guest"})
	snaps := back.OfType(othellodto.TypeSnapshot)
	if len(snaps) != 1 {
		t.Fatalf("rejoin messages = %+v", back.Messages())
	}
	if st := snaps[0].Snapshot; st.Status != string(game.StatusCompleted) || st.Winner != "guest" || st.Result != string(game.ResultWhiteWins) {
		t.Fatalf("rejoin snapshot = %+v", st)
	}

	h.d.Disconnected(back)
	h.flush(id)
	h.sched.Advance(grace)
	h.flush(id)
	if s := h.reg.Snapshots()[0]; s.Status != game.StatusCompleted {
		t.Fatalf("status after guest grace = %s", s.Status)
	}
}

func TestMoveBroadcastsOneFrame(t *testing.T) {
	src := daily.NewMemorySource(daily.Challenge{
		ID:         "dc-pass",
		Date:       "2026-03-01",
		BoardState: "BW.....B\n.......B\n.......B\n.......W\n........\n........\n........\n........",
	})
	h := newHarness(t, func(o *Options) { o.Daily = src })
	host, guest := conntest.NewTransport("host-1"), conntest.NewTransport("guest-1")
	h.send(host, othellodto.Inbound{Type: othellodto.TypeCreate, PlayerID: "host", Daily: "today"})
	id := host.OfType(othellodto.TypeSnapshot)[0].SessionID
	h.send(guest, othellodto.Inbound{Type: othellodto.TypeJoin, SessionID: id, PlayerID: "guest"})
	host.Reset()
	guest.Reset()

	// white has no reply after c1
	h.send(host, move(2))
	for _, c := range []*conntest.Transport{host, guest} {
		msgs := c.Messages()
		if len(msgs) != 1 || msgs[0].Delta == nil {
			t.Fatalf("%s frames after pass move = %+v", c.ID(), msgs)
		}
		dl := msgs[0].Delta
		if dl.Passed != "white" || dl.Turn != "black" || dl.Status != string(game.StatusInProgress) || dl.Message == "" {
			t.Fatalf("pass delta = %+v", dl)
		}
	}

	host.Reset()
	guest.Reset()
	h.send(host, move(39))
	for _, c := range []*conntest.Transport{host, guest} {
		msgs := c.Messages()
		if len(msgs) != 1 || msgs[0].Delta == nil || msgs[0].Seq != 2 {
			t.Fatalf("%s frames after final move = %+v", c.ID(), msgs)
		}
		dl := msgs[0].Delta
		if dl.Status != string(game.StatusCompleted) || dl.Result != string(game.ResultBlackWins) ||
			dl.Reason != string(game.ReasonNatural) || dl.Winner != "host" || dl.Passed != "" {
			t.Fatalf("final delta = %+v", dl)
		}
		if dl.Score != (othellodto.Score{Black: 8}) || dl.Message == "" {
			t.Fatalf("final delta score/message = %+v", dl)
		}
	}
}

func TestReplacedConnectionIsClosed(t *testing.T) {
	h := newHarness(t, nil)
	id, _, guest := h.started()
	guest2 := conntest.NewTransport("guest-2")
	h.send(guest2, othellodto.Inbound{Type: othellodto.TypeJoin, SessionID: id, PlayerID: "guest"})
	if closed, reason := guest.Closed(); !closed || reason != "replaced" {
		t.Fatalf("old transport closed=%v reason=%q", closed, reason)
	}
	// the late disconnect of the replaced transport must not pause the game
	h.d.Disconnected(guest)
	h.flush(id)
	if s := h.reg.Snapshots()[0]; s.Status != game.StatusInProgress {
		t.Fatalf("status = %s", s.Status)
	}
}

func TestDailyChallengeCreate(t *testing.T) {
	src := daily.NewMemorySource(daily.Challenge{
		ID:         "dc-0301",
		Date:       "2026-03-01",
		Title:      "White to start",
		BoardState: "WB......\n........\n........\n........\n........\n........\n........\n........",
	})
	h := newHarness(t, func(o *Options) { o.Daily = src })
	host := conntest.NewTransport("host")
	h.send(host, othellodto.Inbound{Type: othellodto.TypeCreate, PlayerID: "host", Daily: "today"})
	snaps := host.OfType(othellodto.TypeSnapshot)
	if len(snaps) != 1 {
		t.Fatalf("messages = %+v", host.Messages())
	}
	s := snaps[0].Snapshot
	if s.ChallengeID != "dc-0301" || s.Turn != "white" || s.Board[:2] != "WB" {
		t.Fatalf("daily snapshot = %+v", s)
	}

	other := conntest.NewTransport("other")
	h.send(other, othellodto.Inbound{Type: othellodto.TypeCreate, PlayerID: "x", Daily: "2026-02-28"})
	if last, _ := other.Last(); last.Error == nil || last.Error.Code != othellodto.CodeNotFound {
		t.Fatalf("missing daily = %+v", last)
	}
}

func TestRejoinNeedsToken(t *testing.T) {
	iss, err := auth.NewIssuer("secret", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	h := newHarness(t, func(o *Options) { o.Tokens = iss })
	id, _, guest := h.started()
	tok := guest.OfType(othellodto.TypeSnapshot)[0].Token
	if tok == "" {
		t.Fatalf("snapshot carried no token")
	}

	h.d.Disconnected(guest)
	h.flush(id)
	thief := conntest.NewTransport("thief")
	h.send(thief, othellodto.Inbound{Type: othellodto.TypeJoin, SessionID: id, PlayerID: "guest", Token: "forged"})
	if last, _ := thief.Last(); last.Error == nil || last.Error.Code != othellodto.CodeUnauthorized {
		t.Fatalf("forged rejoin = %+v", last)
	}
	back := conntest.NewTransport("guest-2")
	h.send(back, othellodto.Inbound{Type: othellodto.TypeJoin, SessionID: id, PlayerID: "guest", Token: tok})
	if len(back.OfType(othellodto.TypeSnapshot)) != 1 {
		t.Fatalf("valid rejoin = %+v", back.Messages())
	}
}

func TestSweepAbandonsIdleLobby(t *testing.T) {
	h := newHarness(t, nil)
	host := conntest.NewTransport("host")
	id := h.create(host, "host")
	h.sched.Advance(11 * time.Minute)
	if got := h.reg.Sweep(h.sched.Now()); len(got) != 1 || got[0] != id {
		t.Fatalf("sweep = %v", got)
	}
	st := lastStatus(t, host)
	if st.Event != "abandoned" || st.Reason != string(game.ReasonIdle) {
		t.Fatalf("status = %+v", st)
	}
	// the connection is free again
	h.send(host, othellodto.Inbound{Type: othellodto.TypeCreate, PlayerID: "host"})
	if n := len(host.OfType(othellodto.TypeSnapshot)); n != 2 {
		t.Fatalf("snapshots = %d", n)
	}
}

func TestCorruptEntryAbandonsAndNotifies(t *testing.T) {
	h := newHarness(t, nil)
	id, host, guest := h.started()
	e, _ := h.reg.Get(id)
	if err := e.Do(context.Background(), func() { e.Conns = nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	h.d.Handle(context.Background(), host, move(19))
	h.flush(id)
	for _, c := range []*conntest.Transport{host, guest} {
		st := lastStatus(t, c)
		if st.Status != string(game.StatusAbandoned) || st.Reason != string(game.ReasonCorrupt) {
			t.Fatalf("%s status = %+v", c.ID(), st)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.reg.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("corrupt session was not evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHeartbeatBeforeJoinIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	c := conntest.NewTransport("c")
	h.send(c, othellodto.Inbound{Type: othellodto.TypeHeartbeat})
	h.send(c, othellodto.Inbound{Type: othellodto.TypePassAck})
	if n := len(c.Messages()); n != 0 {
		t.Fatalf("heartbeat produced %d frames", n)
	}
	h.send(c, othellodto.Inbound{Type: "dance"})
	if last, _ := c.Last(); last.Error == nil || last.Error.Code != othellodto.CodeBadRequest {
		t.Fatalf("unknown type = %+v", last)
	}
}
