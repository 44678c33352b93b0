// Package othello implements the Othello rules over a bitboard.
//
// Bit i of a mask is cell i (row i/8, column i%8). A Board is a value:
// every method returns a copy, so callers can hand boards out freely.
package othello

import (
	"fmt"
	"math/bits"
)

const (
	colA uint64 = 0x0101010101010101
	colH uint64 = 0x8080808080808080
	notA        = ^colA
	notH        = ^colH
)

// startBlack and startWhite are the standard cross: 27=W, 28=B, 35=B, 36=W.
const (
	startBlack uint64 = 1<<28 | 1<<35
	startWhite uint64 = 1<<27 | 1<<36
)

type shiftFn func(uint64) uint64

// Eight ray directions. Column masks stop runs from wrapping across rows.
var directions = [8]shiftFn{
	func(b uint64) uint64 { return (b << 1) & notA }, // east
	func(b uint64) uint64 { return (b >> 1) & notH }, // west
	func(b uint64) uint64 { return b << 8 },          // south
	func(b uint64) uint64 { return b >> 8 },          // north
	func(b uint64) uint64 { return (b << 9) & notA }, // south-east
	func(b uint64) uint64 { return (b << 7) & notH }, // south-west
	func(b uint64) uint64 { return (b >> 7) & notA }, // north-east
	func(b uint64) uint64 { return (b >> 9) & notH }, // north-west
}

// Board is an 8x8 position plus the side to move.
type Board struct {
	black uint64
	white uint64
	turn  Color
}

// NewBoard returns the standard starting position with Black to move.
func NewBoard() Board {
	return Board{black: startBlack, white: startWhite, turn: Black}
}

// FromCells builds a board from row-major cells.
func FromCells(cells [Cells]Cell, turn Color) Board {
	var b Board
	for i, c := range cells {
		switch c {
		case BlackDisc:
			b.black |= 1 << uint(i)
		case WhiteDisc:
			b.white |= 1 << uint(i)
		}
	}
	b.turn = turn
	if !turn.Valid() {
		b.turn = Black
	}
	return b
}

// Turn returns the side to move.
func (b Board) Turn() Color {
	if b.turn == "" {
		return Black
	}
	return b.turn
}

// WithTurn returns a copy with the side to move replaced.
func (b Board) WithTurn(c Color) Board {
	b.turn = c
	return b
}

// At returns the content of cell i.
func (b Board) At(i int) Cell {
	if i < 0 || i >= Cells {
		return Empty
	}
	m := uint64(1) << uint(i)
	switch {
	case b.black&m != 0:
		return BlackDisc
	case b.white&m != 0:
		return WhiteDisc
	default:
		return Empty
	}
}

// Cells returns all 64 cells row-major.
func (b Board) Cells() [Cells]Cell {
	var out [Cells]Cell
	for i := range out {
		out[i] = b.At(i)
	}
	return out
}

func (b Board) masks(c Color) (own, opp uint64) {
	if c == White {
		return b.white, b.black
	}
	return b.black, b.white
}

func legalMask(own, opp uint64) uint64 {
	empty := ^(own | opp)
	var moves uint64
	for _, shift := range directions {
		x := shift(own) & opp
		// a run of opponent discs is at most six long
		for i := 0; i < 5; i++ {
			x |= shift(x) & opp
		}
		moves |= shift(x) & empty
	}
	return moves
}

func flipMask(own, opp, move uint64) uint64 {
	var flips uint64
	for _, shift := range directions {
		var run uint64
		x := shift(move)
		for x != 0 && x&opp != 0 {
			run |= x
			x = shift(x)
		}
		if x&own != 0 {
			flips |= run
		}
	}
	return flips
}

// LegalMoves returns the cells c may play, ascending. Empty means c must pass.
func (b Board) LegalMoves(c Color) []int {
	own, opp := b.masks(c)
	return indexes(legalMask(own, opp))
}

// HasMoves reports whether c has at least one legal move.
func (b Board) HasMoves(c Color) bool {
	own, opp := b.masks(c)
	return legalMask(own, opp) != 0
}

// IsLegal reports whether c may play cell.
func (b Board) IsLegal(c Color, cell int) bool {
	if cell < 0 || cell >= Cells {
		return false
	}
	own, opp := b.masks(c)
	return legalMask(own, opp)&(1<<uint(cell)) != 0
}

// Apply places a disc for c at cell and flips every captured run.
// The returned board has the opponent to move; pass handling is the caller's job.
func (b Board) Apply(c Color, cell int) (Board, []int, error) {
	if !c.Valid() {
		return b, nil, fmt.Errorf("%w: invalid color %q", ErrIllegalMove, c)
	}
	if cell < 0 || cell >= Cells {
		return b, nil, fmt.Errorf("%w: %w: %d", ErrIllegalMove, ErrInvalidCell, cell)
	}
	own, opp := b.masks(c)
	move := uint64(1) << uint(cell)
	if legalMask(own, opp)&move == 0 {
		return b, nil, fmt.Errorf("%w: %s cannot play %s", ErrIllegalMove, c, SquareName(cell))
	}
	flips := flipMask(own, opp, move)
	own |= move | flips
	opp &^= flips
	next := Board{turn: c.Opponent()}
	if c == White {
		next.white, next.black = own, opp
	} else {
		next.black, next.white = own, opp
	}
	return next, indexes(flips), nil
}

// Score counts discs of each color.
func (b Board) Score() Score {
	return Score{Black: bits.OnesCount64(b.black), White: bits.OnesCount64(b.white)}
}

// Full reports whether no empty cell remains.
func (b Board) Full() bool { return b.black|b.white == ^uint64(0) }

// IsTerminal is true when neither side can move (which includes a full board).
func (b Board) IsTerminal() bool {
	return b.Full() || (!b.HasMoves(Black) && !b.HasMoves(White))
}

// Leader returns the side with more discs, or "" on a tie.
func (b Board) Leader() Color {
	s := b.Score()
	switch {
	case s.Black > s.White:
		return Black
	case s.White > s.Black:
		return White
	default:
		return ""
	}
}

// Equal compares cells and turn.
func (b Board) Equal(o Board) bool {
	return b.black == o.black && b.white == o.white && b.Turn() == o.Turn()
}

func indexes(mask uint64) []int {
	out := make([]int, 0, bits.OnesCount64(mask))
	for mask != 0 {
		i := bits.TrailingZeros64(mask)
		out = append(out, i)
		mask &= mask - 1
	}
	return out
}
