package game

import (
	"time"

	"github.com/park285/cheese-othello/internal/othello"
)

// Status represents a session lifecycle state.
type Status string

const (
	StatusWaiting    Status = "WAITING_FOR_GUEST"
	StatusInProgress Status = "IN_PROGRESS"
	StatusPaused     Status = "PAUSED"
	StatusCompleted  Status = "COMPLETED"
	StatusAbandoned  Status = "ABANDONED"
)

// Terminal reports whether no further commands are accepted.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusAbandoned }

// Result is the outcome of a completed session.
type Result string

const (
	ResultNone      Result = ""
	ResultBlackWins Result = "BLACK_WINS"
	ResultWhiteWins Result = "WHITE_WINS"
	ResultDraw      Result = "DRAW"
)

// EndReason tells the UI why a session ended. It carries no rule semantics.
type EndReason string

const (
	ReasonNatural    EndReason = "natural"
	ReasonForfeit    EndReason = "forfeit"
	ReasonDisconnect EndReason = "disconnect"
	ReasonAbandoned  EndReason = "abandoned"
	ReasonIdle       EndReason = "idle"
	ReasonCorrupt    EndReason = "corrupt"
)

// Move is one committed move.
type Move struct {
	Seq      int           `json:"seq"`
	PlayerID string        `json:"player_id"`
	Color    othello.Color `json:"color"`
	Cell     int           `json:"cell"`
	Flipped  []int         `json:"flipped"`
	At       time.Time     `json:"at"`
}

// EventKind enumerates the state changes a command can produce.
type EventKind string

const (
	EventJoined    EventKind = "joined"
	EventMoved     EventKind = "moved"
	EventPaused    EventKind = "paused"
	EventResumed   EventKind = "resumed"
	EventCompleted EventKind = "completed"
	EventAbandoned EventKind = "abandoned"
)

// Event is emitted by a command in commit order.
type Event struct {
	Kind   EventKind
	Seq    int
	Status Status

	// moved
	Move  *Move
	Turn  othello.Color
	Score othello.Score

	// the side that had no legal move after this one
	Passed othello.Color

	// paused / completed / abandoned, and a move that ended the game
	PlayerID string
	Reason   EndReason
	Result   Result
	Winner   string
}

// Snapshot is an immutable copy of a session.
type Snapshot struct {
	ID          string        `json:"id"`
	HostID      string        `json:"host_id"`
	GuestID     string        `json:"guest_id,omitempty"`
	ChallengeID string        `json:"challenge_id,omitempty"`
	Board       othello.Board `json:"-"`
	Initial     othello.Board `json:"-"`
	Status      Status        `json:"status"`
	History     []Move        `json:"history"`
	Result      Result        `json:"result,omitempty"`
	Reason      EndReason     `json:"reason,omitempty"`
	Winner      string        `json:"winner,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	EndedAt     time.Time     `json:"ended_at,omitempty"`
}

// Seq is the number of committed moves.
func (s Snapshot) Seq() int { return len(s.History) }

// ColorOf returns the side a player controls.
func (s Snapshot) ColorOf(playerID string) (othello.Color, bool) {
	return colorOf(s.HostID, s.GuestID, playerID)
}

// PlayerFor returns the player controlling c, which may be empty before the guest joins.
func (s Snapshot) PlayerFor(c othello.Color) string {
	if c == othello.White {
		return s.GuestID
	}
	return s.HostID
}

func colorOf(hostID, guestID, playerID string) (othello.Color, bool) {
	switch {
	case playerID == "":
		return "", false
	case playerID == hostID:
		return othello.Black, true
	case playerID == guestID:
		return othello.White, true
	default:
		return "", false
	}
}

// Errors
var (
	ErrIllegalMove      = othello.ErrIllegalMove
	ErrNotYourTurn      = errf("not your turn")
	ErrAlreadyFull      = errf("session already has two players")
	ErrAlreadyCompleted = errf("session already completed")
	ErrNotStarted       = errf("session has not started")
	ErrNotAPlayer       = errf("player is not part of this session")
	ErrInvalidBoard     = errf("initial board is not playable")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }
