package othellodto

import "time"

type Score struct {
	Black int `json:"black"`
	White int `json:"white"`
}

type Move struct {
	Seq      int    `json:"seq"`
	PlayerID string `json:"player_id"`
	Color    string `json:"color"`
	Cell     int    `json:"cell"`
	Square   string `json:"square"`
	Flipped  []int  `json:"flipped"`
}

// State is a full snapshot of a session as seen by one player.
type State struct {
	SessionID   string    `json:"session_id"`
	HostID      string    `json:"host_id"`
	GuestID     string    `json:"guest_id,omitempty"`
	ChallengeID string    `json:"challenge_id,omitempty"`
	You         string    `json:"you,omitempty"`
	Board       string    `json:"board"`
	Turn        string    `json:"turn"`
	Status      string    `json:"status"`
	Score       Score     `json:"score"`
	LegalMoves  []int     `json:"legal_moves"`
	Moves       []Move    `json:"moves"`
	Result      string    `json:"result,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Winner      string    `json:"winner,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Delta describes one committed move. A move that ends the game carries
// the final status, result and winner.
type Delta struct {
	Move    Move   `json:"move"`
	Turn    string `json:"turn"`
	Score   Score  `json:"score"`
	Passed  string `json:"passed,omitempty"`
	Status  string `json:"status"`
	Result  string `json:"result,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Winner  string `json:"winner,omitempty"`
	Message string `json:"message,omitempty"`
}

// Status carries lifecycle changes: joined, paused, resumed, completed, abandoned.
type Status struct {
	Event    string `json:"event"`
	Status   string `json:"status"`
	PlayerID string `json:"player_id,omitempty"`
	Turn     string `json:"turn,omitempty"`
	Passed   string `json:"passed,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Result   string `json:"result,omitempty"`
	Winner   string `json:"winner,omitempty"`
	Score    *Score `json:"score,omitempty"`
	Message  string `json:"message,omitempty"`
}
