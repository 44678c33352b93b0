package othello

import (
	"fmt"
	"strings"
)

// Encode renders the cells as eight lines of '.', 'B' and 'W' joined by '\n'.
// The side to move is not part of the encoding.
func (b Board) Encode() string {
	var sb strings.Builder
	sb.Grow(Cells + Size - 1)
	for r := 0; r < Size; r++ {
		if r > 0 {
			sb.WriteByte('\n')
		}
		for c := 0; c < Size; c++ {
			sb.WriteString(b.At(r*Size + c).String())
		}
	}
	return sb.String()
}

// Parse reads the daily-challenge text encoding. Black is set to move.
func Parse(text string) (Board, error) {
	text = strings.TrimRight(text, "\r\n")
	rows := strings.Split(text, "\n")
	if len(rows) != Size {
		return Board{}, fmt.Errorf("%w: want %d rows, got %d", ErrBadEncoding, Size, len(rows))
	}
	var cells [Cells]Cell
	for r, row := range rows {
		row = strings.TrimSuffix(row, "\r")
		if len(row) != Size {
			return Board{}, fmt.Errorf("%w: row %d has %d cells", ErrBadEncoding, r+1, len(row))
		}
		for c := 0; c < Size; c++ {
			switch row[c] {
			case '.':
				cells[r*Size+c] = Empty
			case 'B':
				cells[r*Size+c] = BlackDisc
			case 'W':
				cells[r*Size+c] = WhiteDisc
			default:
				return Board{}, fmt.Errorf("%w: unexpected %q at row %d column %d", ErrBadEncoding, row[c], r+1, c+1)
			}
		}
	}
	return FromCells(cells, Black), nil
}

// SquareName converts a cell index to "a1".."h8" (column letter, row number).
func SquareName(cell int) string {
	if cell < 0 || cell >= Cells {
		return "??"
	}
	return fmt.Sprintf("%c%d", 'a'+cell%Size, cell/Size+1)
}

// ParseSquare is the inverse of SquareName.
func ParseSquare(name string) (int, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if len(name) != 2 || name[0] < 'a' || name[0] > 'h' || name[1] < '1' || name[1] > '8' {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCell, name)
	}
	return int(name[1]-'1')*Size + int(name[0]-'a'), nil
}
