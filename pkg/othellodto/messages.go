package othellodto

// Inbound message types.
const (
	TypeCreate    = "create"
	TypeJoin      = "join"
	TypeMove      = "move"
	TypePassAck   = "pass_ack"
	TypeForfeit   = "forfeit"
	TypeHeartbeat = "heartbeat"
)

// Outbound message types.
const (
	TypeSnapshot = "snapshot"
	TypeDelta    = "delta"
	TypeStatus   = "status"
	TypeError    = "error"
)

// Inbound is a client to server frame.
type Inbound struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	PlayerID  string `json:"player_id,omitempty"`
	// Cell is a pointer so that a missing cell is distinguishable from a1.
	Cell  *int   `json:"cell,omitempty"`
	Daily string `json:"daily,omitempty"`
	Token string `json:"token,omitempty"`
}

// Outbound is a server to client frame. Exactly one payload field is set.
type Outbound struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id,omitempty"`
	Seq       int          `json:"seq"`
	Snapshot  *State       `json:"snapshot,omitempty"`
	Delta     *Delta       `json:"delta,omitempty"`
	Status    *Status      `json:"status,omitempty"`
	Error     *DomainError `json:"error,omitempty"`
	Token     string       `json:"token,omitempty"`
}

// IntPtr is a helper for building Inbound move frames.
func IntPtr(v int) *int { return &v }
