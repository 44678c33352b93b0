package dispatch

import (
	"errors"
	"strings"

	"github.com/park285/cheese-othello/internal/daily"
	"github.com/park285/cheese-othello/internal/game"
	"github.com/park285/cheese-othello/internal/othello"
	"github.com/park285/cheese-othello/pkg/othellodto"
)

func scoreDTO(s othello.Score) othellodto.Score {
	return othellodto.Score{Black: s.Black, White: s.White}
}

func moveDTO(m game.Move) othellodto.Move {
	return othellodto.Move{
		Seq:      m.Seq,
		PlayerID: m.PlayerID,
		Color:    string(m.Color),
		Cell:     m.Cell,
		Square:   othello.SquareName(m.Cell),
		Flipped:  append([]int(nil), m.Flipped...),
	}
}

// StateOf renders a snapshot for one recipient. viewer may be empty.
func StateOf(s game.Snapshot, viewer string) *othellodto.State {
	moves := make([]othellodto.Move, len(s.History))
	for i, m := range s.History {
		moves[i] = moveDTO(m)
	}
	st := &othellodto.State{
		SessionID:   s.ID,
		HostID:      s.HostID,
		GuestID:     s.GuestID,
		ChallengeID: s.ChallengeID,
		Board:       s.Board.Encode(),
		Turn:        string(s.Board.Turn()),
		Status:      string(s.Status),
		Score:       scoreDTO(s.Board.Score()),
		LegalMoves:  []int{},
		Moves:       moves,
		Result:      string(s.Result),
		Reason:      string(s.Reason),
		Winner:      s.Winner,
		UpdatedAt:   s.UpdatedAt,
	}
	if !s.Status.Terminal() {
		st.LegalMoves = s.Board.LegalMoves(s.Board.Turn())
	}
	if c, ok := s.ColorOf(viewer); ok {
		st.You = string(c)
	}
	return st
}

func (d *Dispatcher) snapshotMsg(s game.Snapshot, viewer string) othellodto.Outbound {
	msg := othellodto.Outbound{
		Type:      othellodto.TypeSnapshot,
		SessionID: s.ID,
		Seq:       s.Seq(),
		Snapshot:  StateOf(s, viewer),
	}
	if d.tokens != nil {
		if _, ok := s.ColorOf(viewer); ok {
			if tok, err := d.tokens.Issue(s.ID, viewer); err == nil {
				msg.Token = tok
			}
		}
	}
	return msg
}

// eventMsg converts one committed event. Moves become deltas; everything else is a status frame.
func (d *Dispatcher) eventMsg(s game.Snapshot, ev game.Event) othellodto.Outbound {
	out := othellodto.Outbound{SessionID: s.ID, Seq: ev.Seq}
	if ev.Kind == game.EventMoved && ev.Move != nil {
		out.Type = othellodto.TypeDelta
		sc := scoreDTO(ev.Score)
		dl := &othellodto.Delta{
			Move:   moveDTO(*ev.Move),
			Turn:   string(ev.Turn),
			Score:  sc,
			Passed: string(ev.Passed),
			Status: string(ev.Status),
			Result: string(ev.Result),
			Reason: string(ev.Reason),
			Winner: ev.Winner,
		}
		switch {
		case ev.Status == game.StatusCompleted:
			dl.Message = d.cat.Text("status.completed."+string(ev.Reason), map[string]any{
				"Result": string(ev.Result), "Winner": ev.Winner, "Black": sc.Black, "White": sc.White,
			}, "")
		case ev.Passed != "":
			dl.Message = d.cat.Text("status.passed", map[string]any{"Passed": string(ev.Passed)}, "")
		}
		out.Delta = dl
		return out
	}
	st := &othellodto.Status{
		Event:    string(ev.Kind),
		Status:   string(ev.Status),
		PlayerID: ev.PlayerID,
		Turn:     string(ev.Turn),
		Passed:   string(ev.Passed),
		Reason:   string(ev.Reason),
		Result:   string(ev.Result),
		Winner:   ev.Winner,
	}
	key := "status." + string(ev.Kind)
	data := map[string]any{
		"PlayerID": ev.PlayerID,
		"Turn":     string(ev.Turn),
		"Passed":   string(ev.Passed),
		"Winner":   ev.Winner,
		"Result":   string(ev.Result),
	}
	switch ev.Kind {
	case game.EventCompleted, game.EventAbandoned:
		sc := scoreDTO(ev.Score)
		st.Score = &sc
		key += "." + string(ev.Reason)
		data["Black"] = sc.Black
		data["White"] = sc.White
	}
	st.Message = d.cat.Text(key, data, "")
	out.Type = othellodto.TypeStatus
	out.Status = st
	return out
}

func (d *Dispatcher) errorMsg(ref, sessionID string, err error, data map[string]any) othellodto.Outbound {
	code := codeFor(err)
	if data == nil {
		data = map[string]any{}
	}
	if _, ok := data["SessionID"]; !ok {
		data["SessionID"] = sessionID
	}
	var br badRequest
	if errors.As(err, &br) {
		data["Detail"] = string(br)
	}
	key := "errors." + code
	if code == "not_found" && errors.Is(err, daily.ErrNotFound) {
		key = "errors.daily_not_found"
	}
	return othellodto.Outbound{
		Type:      othellodto.TypeError,
		SessionID: sessionID,
		Error: &othellodto.DomainError{
			Code:      code,
			Message:   d.cat.Text(key, data, strings.TrimSpace(err.Error())),
			Retryable: code == othellodto.CodeInternal,
			Ref:       ref,
		},
	}
}
