package othellodto

// Wire error codes.
const (
	CodeIllegalMove      = "illegal_move"
	CodeNotYourTurn      = "not_your_turn"
	CodeAlreadyFull      = "already_full"
	CodeNotFound         = "not_found"
	CodeAlreadyCompleted = "already_completed"
	CodeNotStarted       = "not_started"
	CodeNotAPlayer       = "not_a_player"
	CodeBadRequest       = "bad_request"
	CodeUnauthorized     = "unauthorized"
	CodeInternal         = "internal"
)

// DomainError is the payload of an error message. It is sent to the originating connection only.
type DomainError struct {
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	// Ref echoes the inbound type that was rejected.
	Ref string `json:"ref,omitempty"`
}

func (e DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "othello service error"
}
