package othello

import "errors"

// Color identifies a side. The zero value is not a valid side.
type Color string

const (
	Black Color = "black"
	White Color = "white"
)

// Opponent returns the other side.
func (c Color) Opponent() Color {
	if c == Black {
		return White
	}
	return Black
}

// Valid reports whether c is Black or White.
func (c Color) Valid() bool { return c == Black || c == White }

// Cell is the content of one square.
type Cell uint8

const (
	Empty Cell = iota
	BlackDisc
	WhiteDisc
)

func (c Cell) String() string {
	switch c {
	case BlackDisc:
		return "B"
	case WhiteDisc:
		return "W"
	default:
		return "."
	}
}

// Score counts discs per side.
type Score struct {
	Black int `json:"black"`
	White int `json:"white"`
}

// Size is the board edge length; cells are indexed row-major 0..63.
const (
	Size  = 8
	Cells = Size * Size
)

var (
	ErrIllegalMove = errors.New("illegal move")
	ErrInvalidCell = errors.New("cell out of range")
	ErrBadEncoding = errors.New("malformed board encoding")
)

func discFor(c Color) Cell {
	if c == White {
		return WhiteDisc
	}
	return BlackDisc
}
