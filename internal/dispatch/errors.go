package dispatch

import (
	"errors"

	"github.com/park285/cheese-othello/internal/auth"
	"github.com/park285/cheese-othello/internal/daily"
	"github.com/park285/cheese-othello/internal/game"
	"github.com/park285/cheese-othello/internal/sessions"
	"github.com/park285/cheese-othello/pkg/othellodto"
)

// badRequest is a protocol-level rejection with a detail for the client.
type badRequest string

func (e badRequest) Error() string { return "bad request: " + string(e) }

// codeFor maps an error to its wire code.
func codeFor(err error) string {
	var br badRequest
	switch {
	case err == nil:
		return ""
	case errors.As(err, &br):
		return othellodto.CodeBadRequest
	case errors.Is(err, game.ErrIllegalMove):
		return othellodto.CodeIllegalMove
	case errors.Is(err, game.ErrNotYourTurn):
		return othellodto.CodeNotYourTurn
	case errors.Is(err, game.ErrAlreadyFull):
		return othellodto.CodeAlreadyFull
	case errors.Is(err, game.ErrAlreadyCompleted):
		return othellodto.CodeAlreadyCompleted
	case errors.Is(err, game.ErrNotStarted):
		return othellodto.CodeNotStarted
	case errors.Is(err, game.ErrNotAPlayer):
		return othellodto.CodeNotAPlayer
	case errors.Is(err, game.ErrInvalidBoard), errors.Is(err, daily.ErrInvalidDate):
		return othellodto.CodeBadRequest
	case errors.Is(err, sessions.ErrNotFound), errors.Is(err, sessions.ErrQueueClosed), errors.Is(err, daily.ErrNotFound):
		return othellodto.CodeNotFound
	case errors.Is(err, auth.ErrInvalidToken):
		return othellodto.CodeUnauthorized
	default:
		return othellodto.CodeInternal
	}
}
