// Package dispatch turns inbound frames into session commands and committed
// events into outbound frames. Every command for a session runs on that
// session's queue, so commit order is broadcast order.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-othello/internal/archive"
	"github.com/park285/cheese-othello/internal/conn"
	"github.com/park285/cheese-othello/internal/daily"
	"github.com/park285/cheese-othello/internal/game"
	"github.com/park285/cheese-othello/internal/msgcat"
	"github.com/park285/cheese-othello/internal/obslog"
	"github.com/park285/cheese-othello/internal/othello"
	"github.com/park285/cheese-othello/internal/sessions"
	"github.com/park285/cheese-othello/pkg/othellodto"
)

// ResultSink stores finished games.
type ResultSink interface {
	SaveResult(ctx context.Context, snap game.Snapshot) error
}

// Archiver mirrors every committed state.
type Archiver interface {
	Save(ctx context.Context, snap game.Snapshot) error
}

// TokenIssuer hands out and checks reconnect tokens.
type TokenIssuer interface {
	Issue(sessionID, playerID string) (string, error)
	Verify(token, sessionID, playerID string) error
}

type Options struct {
	Sessions *sessions.Registry
	Daily    daily.Source
	Results  ResultSink
	Archive  Archiver
	Tokens   TokenIssuer
	Catalog  *msgcat.Catalog

	// WriteTimeout bounds each background persistence call.
	WriteTimeout time.Duration
}

type attachment struct {
	c         conn.Transport
	sessionID string
	playerID  string
}

type Dispatcher struct {
	reg     *sessions.Registry
	daily   daily.Source
	results ResultSink
	archive Archiver
	tokens  TokenIssuer
	cat     *msgcat.Catalog

	writeTimeout time.Duration

	mu       sync.Mutex
	attached map[string]attachment // conn id -> session/player

	bg sync.WaitGroup
}

// New wires a dispatcher to the session registry's grace and eviction hooks.
func New(opts Options) *Dispatcher {
	if opts.Catalog == nil {
		opts.Catalog = msgcat.MustDefault()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	d := &Dispatcher{
		reg:          opts.Sessions,
		daily:        opts.Daily,
		results:      opts.Results,
		archive:      opts.Archive,
		tokens:       opts.Tokens,
		cat:          opts.Catalog,
		writeTimeout: opts.WriteTimeout,
		attached:     make(map[string]attachment),
	}
	d.reg.OnGraceExpired(d.graceExpired)
	d.reg.OnEvict(d.evicted)
	return d
}

// Wait blocks until background persistence has finished.
func (d *Dispatcher) Wait() { d.bg.Wait() }

// Handle processes one inbound frame from c. It never blocks on game work:
// commands are queued on the session and answered from there.
func (d *Dispatcher) Handle(ctx context.Context, c conn.Transport, msg othellodto.Inbound) {
	msg.Type = strings.TrimSpace(msg.Type)
	msg.SessionID = strings.TrimSpace(msg.SessionID)
	msg.PlayerID = strings.TrimSpace(msg.PlayerID)

	switch msg.Type {
	case othellodto.TypeHeartbeat, othellodto.TypePassAck:
		d.touch(c)
	case othellodto.TypeCreate:
		d.create(ctx, c, msg)
	case othellodto.TypeJoin:
		d.join(c, msg)
	case othellodto.TypeMove:
		if msg.Cell == nil {
			d.reject(c, msg.Type, msg.SessionID, badRequest("move needs a cell"), nil)
			return
		}
		cell := *msg.Cell
		d.command(c, msg, func(e *sessions.Entry, playerID string, now time.Time) ([]game.Event, error) {
			return e.Game.ApplyMove(playerID, cell, now)
		}, map[string]any{"Square": othello.SquareName(cell)})
	case othellodto.TypeForfeit:
		d.command(c, msg, func(e *sessions.Entry, playerID string, now time.Time) ([]game.Event, error) {
			return e.Game.Forfeit(playerID, game.ReasonForfeit, now)
		}, nil)
	default:
		d.reject(c, msg.Type, msg.SessionID, badRequest("unknown message type "+msg.Type), nil)
	}
}

// Disconnected is called once when c's transport is gone.
func (d *Dispatcher) Disconnected(c conn.Transport) {
	att, ok := d.detach(c)
	if !ok {
		return
	}
	e, err := d.reg.Get(att.sessionID)
	if err != nil {
		return
	}
	err = e.Submit(func() {
		if e.Check() != nil {
			d.corrupt(e)
			return
		}
		if !e.Conns.Unbind(att.playerID, c) {
			return
		}
		obslog.L().Info("player_disconnect",
			zap.String("session_id", e.ID),
			zap.String("player_id", att.playerID),
			zap.Duration("grace", e.Conns.Grace()),
		)
		d.commit(e, e.Game.Pause(att.playerID, d.reg.Now()))
	})
	if err != nil {
		obslog.L().Debug("disconnect_after_evict", zap.String("session_id", att.sessionID))
	}
}

func (d *Dispatcher) touch(c conn.Transport) {
	att, ok := d.attachmentOf(c)
	if !ok {
		return
	}
	if e, err := d.reg.Get(att.sessionID); err == nil && e.Conns != nil {
		e.Conns.Touch(att.playerID, c)
	}
}

func (d *Dispatcher) create(ctx context.Context, c conn.Transport, msg othellodto.Inbound) {
	if msg.PlayerID == "" {
		d.reject(c, msg.Type, "", badRequest("player_id is required"), nil)
		return
	}
	if err := d.leave(c); err != nil {
		d.reject(c, msg.Type, "", err, nil)
		return
	}

	var (
		initial     *othello.Board
		challengeID string
	)
	if msg.Daily != "" {
		b, id, err := d.challenge(ctx, msg.Daily)
		if err != nil {
			d.reject(c, msg.Type, "", err, map[string]any{"Date": msg.Daily})
			return
		}
		initial, challengeID = &b, id
	}

	e, err := d.reg.Create(msg.PlayerID, initial, challengeID)
	if err != nil {
		if errors.Is(err, game.ErrInvalidBoard) {
			obslog.L().Warn("daily_board_unplayable", zap.String("challenge_id", challengeID))
		}
		d.reject(c, msg.Type, "", err, nil)
		return
	}
	d.attach(c, e.ID, msg.PlayerID)
	d.submit(c, msg.Type, e, func() {
		if e.Check() != nil {
			d.corrupt(e)
			return
		}
		d.bind(e, msg.PlayerID, c)
		e.Publish()
		d.sendSnapshot(e, msg.PlayerID, c)
		d.afterCommit(e)
	})
}

func (d *Dispatcher) challenge(ctx context.Context, raw string) (othello.Board, string, error) {
	date, err := daily.NormalizeDate(raw, d.reg.Now())
	if err != nil {
		return othello.Board{}, "", err
	}
	if d.daily == nil {
		return othello.Board{}, "", daily.ErrNotFound
	}
	ch, err := d.daily.GetChallenge(ctx, date)
	if err != nil {
		if !errors.Is(err, daily.ErrNotFound) {
			obslog.L().Error("daily_fetch_failed", zap.String("date", date), zap.Error(err))
		}
		return othello.Board{}, "", err
	}
	b, err := ch.Board()
	if err != nil {
		obslog.L().Error("daily_board_invalid", zap.String("date", date), zap.Error(err))
		return othello.Board{}, "", err
	}
	id := ch.ID
	if id == "" {
		id = date
	}
	return b, id, nil
}

func (d *Dispatcher) join(c conn.Transport, msg othellodto.Inbound) {
	if msg.SessionID == "" || msg.PlayerID == "" {
		d.reject(c, msg.Type, msg.SessionID, badRequest("session_id and player_id are required"), nil)
		return
	}
	e, err := d.reg.Get(msg.SessionID)
	if err != nil {
		d.reject(c, msg.Type, msg.SessionID, err, nil)
		return
	}
	if att, ok := d.attachmentOf(c); ok && att.sessionID == msg.SessionID && att.playerID != msg.PlayerID {
		d.reject(c, msg.Type, msg.SessionID, badRequest("connection is bound to another player"), nil)
		return
	} else if ok && att.sessionID != msg.SessionID {
		if err := d.leave(c); err != nil {
			d.reject(c, msg.Type, msg.SessionID, err, nil)
			return
		}
	}
	// attach before queueing so a disconnect right after is ordered behind the join
	d.attach(c, e.ID, msg.PlayerID)
	d.submit(c, msg.Type, e, func() {
		if e.Check() != nil {
			d.corrupt(e)
			return
		}
		now := d.reg.Now()
		var evs []game.Event
		if e.Game.IsMember(msg.PlayerID) {
			if d.tokens != nil {
				if err := d.tokens.Verify(msg.Token, e.ID, msg.PlayerID); err != nil {
					d.undoAttach(e, c, msg.PlayerID)
					d.reject(c, msg.Type, e.ID, err, nil)
					return
				}
			}
		} else {
			var err error
			evs, err = e.Game.Join(msg.PlayerID, now)
			if err != nil {
				d.undoAttach(e, c, msg.PlayerID)
				d.reject(c, msg.Type, e.ID, err, nil)
				return
			}
			obslog.L().Info("session_join", zap.String("session_id", e.ID), zap.String("player_id", msg.PlayerID))
		}
		d.bind(e, msg.PlayerID, c)
		if host, guest := e.Game.HostID(), e.Game.GuestID(); e.Conns.Connected(host) && e.Conns.Connected(guest) {
			evs = append(evs, e.Game.Resume(now)...)
		}
		// the snapshot goes out first so the joiner sees the same state the events describe
		e.Publish()
		d.sendSnapshot(e, msg.PlayerID, c)
		d.commit(e, evs)
	})
}

// bind makes c playerID's live transport, closing any transport it replaces. Must run on the queue.
func (d *Dispatcher) bind(e *sessions.Entry, playerID string, c conn.Transport) {
	replaced, reconnect := e.Conns.Bind(playerID, c)
	if replaced != nil {
		d.detachIf(replaced, e.ID, playerID)
		replaced.Close("replaced")
	}
	if reconnect {
		obslog.L().Info("player_reconnect", zap.String("session_id", e.ID), zap.String("player_id", playerID))
	}
}

// undoAttach drops the attachment made for a join that was then rejected, unless c
// is already playerID's live transport.
func (d *Dispatcher) undoAttach(e *sessions.Entry, c conn.Transport, playerID string) {
	if cur := e.Conns.ConnOf(playerID); cur != nil && cur.ID() == c.ID() {
		return
	}
	d.detachIf(c, e.ID, playerID)
}

func (d *Dispatcher) sendSnapshot(e *sessions.Entry, playerID string, c conn.Transport) {
	if !c.Send(d.snapshotMsg(e.Snapshot(), playerID)) {
		obslog.L().Warn("broadcast_drop", zap.String("session_id", e.ID), zap.String("conn_id", c.ID()), zap.String("type", othellodto.TypeSnapshot))
	}
}

type commandFunc func(e *sessions.Entry, playerID string, now time.Time) ([]game.Event, error)

func (d *Dispatcher) command(c conn.Transport, msg othellodto.Inbound, fn commandFunc, errData map[string]any) {
	att, ok := d.attachmentOf(c)
	if !ok {
		d.reject(c, msg.Type, msg.SessionID, badRequest("join a session first"), nil)
		return
	}
	if msg.SessionID != "" && msg.SessionID != att.sessionID {
		d.reject(c, msg.Type, msg.SessionID, badRequest("connection is bound to "+att.sessionID), nil)
		return
	}
	e, err := d.reg.Get(att.sessionID)
	if err != nil {
		d.detach(c)
		d.reject(c, msg.Type, att.sessionID, err, nil)
		return
	}
	d.submit(c, msg.Type, e, func() {
		if e.Check() != nil {
			d.corrupt(e)
			return
		}
		e.Conns.Touch(att.playerID, c)
		evs, err := fn(e, att.playerID, d.reg.Now())
		if err != nil {
			data := map[string]any{"Turn": string(e.Game.Board().Turn())}
			for k, v := range errData {
				data[k] = v
			}
			d.reject(c, msg.Type, e.ID, err, data)
			return
		}
		d.commit(e, evs)
	})
}

// commit publishes the new state and broadcasts evs in order. Must run on the queue.
func (d *Dispatcher) commit(e *sessions.Entry, evs []game.Event) {
	if len(evs) == 0 {
		return
	}
	e.Publish()
	snap := e.Snapshot()
	for _, ev := range evs {
		if ev.Kind == game.EventMoved && ev.Move != nil {
			obslog.L().Info("move_commit",
				zap.String("session_id", e.ID),
				zap.Int("seq", ev.Seq),
				zap.String("color", string(ev.Move.Color)),
				zap.String("square", othello.SquareName(ev.Move.Cell)),
				zap.Int("flipped", len(ev.Move.Flipped)),
			)
		}
		d.broadcast(e, d.eventMsg(snap, ev))
	}
	d.afterCommit(e)
}

func (d *Dispatcher) broadcast(e *sessions.Entry, msg othellodto.Outbound) {
	for _, c := range e.Conns.Conns() {
		if !c.Send(msg) {
			obslog.L().Warn("broadcast_drop",
				zap.String("session_id", e.ID),
				zap.String("conn_id", c.ID()),
				zap.String("type", msg.Type),
			)
		}
	}
}

// afterCommit hands the published snapshot to the archive and, once terminal, to the result store.
func (d *Dispatcher) afterCommit(e *sessions.Entry) {
	snap := e.Snapshot()
	if snap.Status.Terminal() {
		obslog.L().Info("session_end",
			zap.String("session_id", snap.ID),
			zap.String("status", string(snap.Status)),
			zap.String("result", string(snap.Result)),
			zap.String("reason", string(snap.Reason)),
			zap.Int("moves", snap.Seq()),
		)
	}
	if d.archive != nil {
		d.background("archive_save", snap.ID, func(ctx context.Context) error {
			return d.archive.Save(ctx, snap)
		})
	}
	if d.results != nil && snap.Status == game.StatusCompleted {
		d.background("result_persist", snap.ID, func(ctx context.Context) error {
			return d.results.SaveResult(ctx, snap)
		})
	}
}

func (d *Dispatcher) background(event, sessionID string, fn func(ctx context.Context) error) {
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.writeTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			if errors.Is(err, archive.ErrStale) {
				return
			}
			obslog.L().Warn(event, zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
}

// graceExpired runs on the session queue when a disconnected player's grace period ends.
func (d *Dispatcher) graceExpired(e *sessions.Entry, playerID string, gen uint64) {
	if e.Check() != nil {
		d.corrupt(e)
		return
	}
	if !e.Conns.Expired(playerID, gen) {
		return
	}
	g := e.Game
	if g.Status().Terminal() {
		return
	}
	now := d.reg.Now()
	obslog.L().Info("grace_expired", zap.String("session_id", e.ID), zap.String("player_id", playerID))
	switch opp := g.Opponent(playerID); {
	case g.Status() == game.StatusWaiting:
		d.commit(e, g.Abandon(game.ReasonAbandoned, now))
	case opp != "" && holdsSeat(e, opp, now):
		evs, err := g.Forfeit(playerID, game.ReasonDisconnect, now)
		if err != nil {
			obslog.L().Error("grace_forfeit_failed", zap.String("session_id", e.ID), zap.Error(err))
			return
		}
		d.commit(e, evs)
	default:
		d.commit(e, g.Abandon(game.ReasonDisconnect, now))
	}
}

// holdsSeat reports whether playerID is connected or still inside their own grace period.
func holdsSeat(e *sessions.Entry, playerID string, now time.Time) bool {
	h, ok := e.Conns.Handle(playerID)
	return ok && (h.Connected || h.GraceDeadline.After(now))
}

// evicted runs as the final task of a session being removed from the registry.
func (d *Dispatcher) evicted(e *sessions.Entry) {
	if e.Game != nil && e.Conns != nil && !e.Game.Status().Terminal() {
		d.commit(e, e.Game.Abandon(game.ReasonIdle, d.reg.Now()))
	}
	d.detachSession(e.ID)
}

// corrupt abandons a session that lost its game or connection registry and notifies
// every connection still attached to it.
func (d *Dispatcher) corrupt(e *sessions.Entry) {
	obslog.L().Error("session_corrupt", zap.String("session_id", e.ID),
		zap.Bool("has_game", e.Game != nil), zap.Bool("has_conns", e.Conns != nil))
	seq := 0
	if e.Game != nil {
		e.Game.Abandon(game.ReasonCorrupt, d.reg.Now())
		e.Publish()
		seq = e.Snapshot().Seq()
	}
	msg := othellodto.Outbound{
		Type:      othellodto.TypeStatus,
		SessionID: e.ID,
		Seq:       seq,
		Status: &othellodto.Status{
			Event:   string(game.EventAbandoned),
			Status:  string(game.StatusAbandoned),
			Reason:  string(game.ReasonCorrupt),
			Message: d.cat.Text("status.abandoned.corrupt", nil, "session abandoned"),
		},
	}
	for _, att := range d.detachSession(e.ID) {
		att.c.Send(msg)
	}
	id := e.ID
	go func() { _ = d.reg.Evict(id) }()
}

func (d *Dispatcher) submit(c conn.Transport, ref string, e *sessions.Entry, task func()) {
	if err := e.Submit(task); err != nil {
		d.detachIf(c, e.ID, "")
		d.reject(c, ref, e.ID, err, nil)
	}
}

func (d *Dispatcher) reject(c conn.Transport, ref, sessionID string, err error, data map[string]any) {
	msg := d.errorMsg(ref, sessionID, err, data)
	if msg.Error.Code == othellodto.CodeInternal {
		obslog.L().Error("command_failed", zap.String("session_id", sessionID), zap.String("type", ref), zap.Error(err))
	} else {
		obslog.L().Debug("command_rejected", zap.String("session_id", sessionID), zap.String("type", ref), zap.String("code", msg.Error.Code))
	}
	c.Send(msg)
}

// leave detaches c from its current session. A connection still playing a live
// session must forfeit before it can move on.
func (d *Dispatcher) leave(c conn.Transport) error {
	att, ok := d.attachmentOf(c)
	if !ok {
		return nil
	}
	e, err := d.reg.Get(att.sessionID)
	if err == nil && !e.Snapshot().Status.Terminal() {
		return badRequest("connection is already playing " + att.sessionID)
	}
	d.Disconnected(c)
	return nil
}

func (d *Dispatcher) attach(c conn.Transport, sessionID, playerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attached[c.ID()] = attachment{c: c, sessionID: sessionID, playerID: playerID}
}

func (d *Dispatcher) attachmentOf(c conn.Transport) (attachment, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	att, ok := d.attached[c.ID()]
	return att, ok
}

func (d *Dispatcher) detach(c conn.Transport) (attachment, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	att, ok := d.attached[c.ID()]
	if ok {
		delete(d.attached, c.ID())
	}
	return att, ok
}

// detachIf removes c's attachment only if it still points at sessionID (and playerID when set).
func (d *Dispatcher) detachIf(c conn.Transport, sessionID, playerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	att, ok := d.attached[c.ID()]
	if ok && att.sessionID == sessionID && (playerID == "" || att.playerID == playerID) {
		delete(d.attached, c.ID())
	}
}

func (d *Dispatcher) detachSession(sessionID string) []attachment {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []attachment
	for id, att := range d.attached {
		if att.sessionID == sessionID {
			out = append(out, att)
			delete(d.attached, id)
		}
	}
	return out
}
