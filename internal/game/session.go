// Package game holds the authoritative state machine for one Othello match.
//
// A Session is not safe for concurrent use. It is owned by a single serial
// queue (see internal/sessions) which is the only caller of its commands.
package game

import (
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-othello/internal/othello"
)

// Session is one match between a host (Black) and a guest (White).
type Session struct {
	id          string
	hostID      string
	guestID     string
	challengeID string

	initial othello.Board
	board   othello.Board
	status  Status
	history []Move

	result Result
	reason EndReason
	winner string

	createdAt time.Time
	updatedAt time.Time
	endedAt   time.Time
}

// New creates a session waiting for its guest. A nil initial board means the
// standard opening; otherwise the first side with a legal move starts.
func New(id, hostID string, initial *othello.Board, challengeID string, now time.Time) (*Session, error) {
	id = strings.TrimSpace(id)
	hostID = strings.TrimSpace(hostID)
	if id == "" || hostID == "" {
		return nil, fmt.Errorf("session id and host id are required")
	}
	b := othello.NewBoard()
	if initial != nil {
		b = *initial
		switch {
		case b.HasMoves(othello.Black):
			b = b.WithTurn(othello.Black)
		case b.HasMoves(othello.White):
			b = b.WithTurn(othello.White)
		default:
			return nil, ErrInvalidBoard
		}
	}
	return &Session{
		id:          id,
		hostID:      hostID,
		challengeID: strings.TrimSpace(challengeID),
		initial:     b,
		board:       b,
		status:      StatusWaiting,
		createdAt:   now,
		updatedAt:   now,
	}, nil
}

func (s *Session) ID() string { return s.id }
func (s *Session) HostID() string { return s.hostID }
func (s *Session) GuestID() string { return s.guestID }
func (s *Session) Status() Status { return s.status }
func (s *Session) Board() othello.Board { return s.board }

// IsMember reports whether playerID is the host or the guest.
func (s *Session) IsMember(playerID string) bool {
	_, ok := colorOf(s.hostID, s.guestID, playerID)
	return ok
}

// Opponent returns the other player's id (empty before the guest joins).
func (s *Session) Opponent(playerID string) string {
	switch playerID {
	case s.hostID:
		return s.guestID
	case s.guestID:
		return s.hostID
	default:
		return ""
	}
}

// Join binds the guest and starts the match. Re-joining as an existing member is a no-op.
func (s *Session) Join(playerID string, now time.Time) ([]Event, error) {
	playerID = strings.TrimSpace(playerID)
	if playerID == "" {
		return nil, ErrNotAPlayer
	}
	if s.IsMember(playerID) {
		return nil, nil
	}
	if s.status.Terminal() {
		return nil, ErrAlreadyCompleted
	}
	if s.guestID != "" {
		return nil, ErrAlreadyFull
	}
	s.guestID = playerID
	s.status = StatusInProgress
	s.updatedAt = now
	return []Event{{Kind: EventJoined, Seq: s.seq(), Status: s.status, PlayerID: playerID, Turn: s.board.Turn()}}, nil
}

// ApplyMove validates and commits a move, then resolves passes and completion.
func (s *Session) ApplyMove(playerID string, cell int, now time.Time) ([]Event, error) {
	if s.status.Terminal() {
		return nil, ErrAlreadyCompleted
	}
	color, ok := colorOf(s.hostID, s.guestID, playerID)
	if !ok {
		return nil, ErrNotAPlayer
	}
	if s.status == StatusWaiting {
		return nil, ErrNotStarted
	}
	if color != s.board.Turn() {
		return nil, ErrNotYourTurn
	}
	next, flipped, err := s.board.Apply(color, cell)
	if err != nil {
		return nil, err
	}

	mv := Move{
		Seq:      s.seq() + 1,
		PlayerID: playerID,
		Color:    color,
		Cell:     cell,
		Flipped:  flipped,
		At:       now,
	}
	s.history = append(s.history, mv)
	s.updatedAt = now

	opp := color.Opponent()
	var passed othello.Color
	switch {
	case next.HasMoves(opp):
		next = next.WithTurn(opp)
	case next.HasMoves(color):
		next = next.WithTurn(color)
		passed = opp
	}
	s.board = next

	// one event per move: a pass or the natural end rides on it
	ev := Event{
		Kind:   EventMoved,
		Seq:    mv.Seq,
		Move:   &mv,
		Turn:   next.Turn(),
		Score:  next.Score(),
		Passed: passed,
	}
	if !next.HasMoves(othello.Black) && !next.HasMoves(othello.White) {
		end := s.complete(resultFor(next), ReasonNatural, now)
		ev.Passed = ""
		ev.Reason, ev.Result, ev.Winner = end.Reason, end.Result, end.Winner
	}
	ev.Status = s.status
	return []Event{ev}, nil
}

// Forfeit ends the session with the other player as winner.
func (s *Session) Forfeit(playerID string, reason EndReason, now time.Time) ([]Event, error) {
	if s.status.Terminal() {
		return nil, ErrAlreadyCompleted
	}
	color, ok := colorOf(s.hostID, s.guestID, playerID)
	if !ok {
		return nil, ErrNotAPlayer
	}
	if s.status == StatusWaiting {
		// nobody to award the win to
		return []Event{s.abandon(ReasonAbandoned, now)}, nil
	}
	if reason == "" {
		reason = ReasonForfeit
	}
	res := ResultBlackWins
	if color == othello.Black {
		res = ResultWhiteWins
	}
	ev := s.complete(res, reason, now)
	ev.PlayerID = playerID
	return []Event{ev}, nil
}

// Pause marks the match paused after a disconnect. Only an in-progress match pauses.
func (s *Session) Pause(playerID string, now time.Time) []Event {
	if s.status != StatusInProgress {
		return nil
	}
	s.status = StatusPaused
	s.updatedAt = now
	return []Event{{Kind: EventPaused, Seq: s.seq(), Status: s.status, PlayerID: playerID}}
}

// Resume returns a paused match to play.
func (s *Session) Resume(now time.Time) []Event {
	if s.status != StatusPaused {
		return nil
	}
	s.status = StatusInProgress
	s.updatedAt = now
	return []Event{{Kind: EventResumed, Seq: s.seq(), Status: s.status, Turn: s.board.Turn()}}
}

// Abandon ends the session without a winner.
func (s *Session) Abandon(reason EndReason, now time.Time) []Event {
	if s.status.Terminal() {
		return nil
	}
	if reason == "" {
		reason = ReasonAbandoned
	}
	return []Event{s.abandon(reason, now)}
}

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() Snapshot {
	hist := make([]Move, len(s.history))
	for i, m := range s.history {
		m.Flipped = append([]int(nil), m.Flipped...)
		hist[i] = m
	}
	return Snapshot{
		ID:          s.id,
		HostID:      s.hostID,
		GuestID:     s.guestID,
		ChallengeID: s.challengeID,
		Board:       s.board,
		Initial:     s.initial,
		Status:      s.status,
		History:     hist,
		Result:      s.result,
		Reason:      s.reason,
		Winner:      s.winner,
		CreatedAt:   s.createdAt,
		UpdatedAt:   s.updatedAt,
		EndedAt:     s.endedAt,
	}
}

// Replay re-applies the history from the initial board and checks it reproduces the current one.
func (s *Session) Replay() (othello.Board, error) {
	return Replay(s.initial, s.history, s.board)
}

// Replay rebuilds a board from moves. If want is non-zero it must match the result.
func Replay(initial othello.Board, moves []Move, want othello.Board) (othello.Board, error) {
	b := initial
	for _, m := range moves {
		if b.Turn() != m.Color {
			return b, fmt.Errorf("move %d: %s to move, history says %s", m.Seq, b.Turn(), m.Color)
		}
		next, _, err := b.Apply(m.Color, m.Cell)
		if err != nil {
			return b, fmt.Errorf("move %d: %w", m.Seq, err)
		}
		opp := m.Color.Opponent()
		if !next.HasMoves(opp) && next.HasMoves(m.Color) {
			next = next.WithTurn(m.Color)
		}
		b = next
	}
	if want != (othello.Board{}) && !b.Equal(want) {
		return b, fmt.Errorf("replay diverged from current board")
	}
	return b, nil
}

func (s *Session) seq() int { return len(s.history) }

func (s *Session) complete(res Result, reason EndReason, now time.Time) Event {
	s.status = StatusCompleted
	s.result = res
	s.reason = reason
	s.winner = ""
	switch res {
	case ResultBlackWins:
		s.winner = s.hostID
	case ResultWhiteWins:
		s.winner = s.guestID
	}
	s.endedAt = now
	s.updatedAt = now
	return Event{
		Kind:   EventCompleted,
		Seq:    s.seq(),
		Status: s.status,
		Score:  s.board.Score(),
		Reason: reason,
		Result: res,
		Winner: s.winner,
	}
}

func (s *Session) abandon(reason EndReason, now time.Time) Event {
	s.status = StatusAbandoned
	s.reason = reason
	s.endedAt = now
	s.updatedAt = now
	return Event{Kind: EventAbandoned, Seq: s.seq(), Status: s.status, Reason: reason, Score: s.board.Score()}
}

func resultFor(b othello.Board) Result {
	switch b.Leader() {
	case othello.Black:
		return ResultBlackWins
	case othello.White:
		return ResultWhiteWins
	default:
		return ResultDraw
	}
}
