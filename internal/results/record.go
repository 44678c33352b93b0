// Package results persists finished games.
package results

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-othello/internal/game"
	"github.com/park285/cheese-othello/internal/othello"
)

// Repository stores finished games. SaveResult is an upsert keyed by session id.
type Repository interface {
	SaveResult(ctx context.Context, snap game.Snapshot) error
	Recent(ctx context.Context, playerID string, limit int) ([]Record, error)
	Close() error
}

// Record is the stored form of a finished session.
type Record struct {
	SessionID   string
	HostID      string
	GuestID     string
	ChallengeID string
	Result      string
	Reason      string
	Winner      string
	ScoreBlack  int
	ScoreWhite  int
	Moves       []int
	Transcript  string
	StartedAt   time.Time
	EndedAt     time.Time
	Duration    time.Duration
}

// FromSnapshot flattens a terminal snapshot.
func FromSnapshot(s game.Snapshot) Record {
	moves := make([]int, len(s.History))
	for i, m := range s.History {
		moves[i] = m.Cell
	}
	score := s.Board.Score()
	ended := s.EndedAt
	if ended.IsZero() {
		ended = s.UpdatedAt
	}
	d := ended.Sub(s.CreatedAt)
	if d < 0 {
		d = 0
	}
	return Record{
		SessionID:   s.ID,
		HostID:      s.HostID,
		GuestID:     s.GuestID,
		ChallengeID: s.ChallengeID,
		Result:      string(s.Result),
		Reason:      string(s.Reason),
		Winner:      s.Winner,
		ScoreBlack:  score.Black,
		ScoreWhite:  score.White,
		Moves:       moves,
		Transcript:  Transcript(s),
		StartedAt:   s.CreatedAt,
		EndedAt:     ended,
		Duration:    d,
	}
}

// Transcript renders tag lines followed by numbered move pairs. "--" marks a pass.
func Transcript(s game.Snapshot) string {
	var b strings.Builder
	date := s.EndedAt
	if date.IsZero() {
		date = s.UpdatedAt
	}
	score := s.Board.Score()
	b.WriteString("[Event \"Othello\"]\n")
	fmt.Fprintf(&b, "[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day())
	fmt.Fprintf(&b, "[Black \"%s\"]\n", sanitize(s.HostID))
	fmt.Fprintf(&b, "[White \"%s\"]\n", sanitize(s.GuestID))
	if s.ChallengeID != "" {
		fmt.Fprintf(&b, "[Challenge \"%s\"]\n", sanitize(s.ChallengeID))
	}
	if s.Reason != "" {
		fmt.Fprintf(&b, "[Termination \"%s\"]\n", s.Reason)
	}
	fmt.Fprintf(&b, "[Score \"%d-%d\"]\n", score.Black, score.White)
	fmt.Fprintf(&b, "[Result \"%s\"]\n\n", resultToken(s.Result))

	plies := make([]string, 0, len(s.History)+2)
	expect := othello.Black
	for _, m := range s.History {
		if m.Color != expect {
			plies = append(plies, "--")
		}
		plies = append(plies, othello.SquareName(m.Cell))
		expect = m.Color.Opponent()
	}
	for i := 0; i < len(plies); i += 2 {
		fmt.Fprintf(&b, "%d. %s", i/2+1, plies[i])
		if i+1 < len(plies) {
			b.WriteString(" ")
			b.WriteString(plies[i+1])
		}
		b.WriteString(" ")
	}
	b.WriteString(resultToken(s.Result))
	return b.String()
}

func resultToken(r game.Result) string {
	switch r {
	case game.ResultBlackWins:
		return "1-0"
	case game.ResultWhiteWins:
		return "0-1"
	case game.ResultDraw:
		return "1/2-1/2"
	default:
		return "*"
	}
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
