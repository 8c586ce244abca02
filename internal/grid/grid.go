// Package grid models the N×M city lattice and the taxi random walk on it.
// Positions are (x, y) with 0 ≤ x < M (columns) and 0 ≤ y < N (rows).
package grid

import (
	"fmt"
	"math/rand/v2"
)

// Upper bounds for grid dimensions.
const (
	MaxRows = 1000
	MaxCols = 1000
)

// ValidSpeeds are the speeds a taxi may register with.
var ValidSpeeds = []int{1, 2, 4}

// Grid is an N×M lattice. Rows is N, Cols is M.
type Grid struct {
	Rows int
	Cols int
}

// New validates the dimensions and returns the grid.
func New(rows, cols int) (Grid, error) {
	if rows <= 0 || cols <= 0 || rows > MaxRows || cols > MaxCols {
		return Grid{}, fmt.Errorf("grid dimensions %dx%d out of range (1..%dx1..%d)", rows, cols, MaxRows, MaxCols)
	}
	return Grid{Rows: rows, Cols: cols}, nil
}

// Contains reports whether (x, y) lies on the grid.
func (g Grid) Contains(x, y int) bool {
	return x >= 0 && x < g.Cols && y >= 0 && y < g.Rows
}

// OnBorder reports whether (x, y) touches any edge, inclusive convention.
func (g Grid) OnBorder(x, y int) bool {
	return x == 0 || x == g.Cols-1 || y == 0 || y == g.Rows-1
}

// ValidSpeed reports whether speed is one of ValidSpeeds.
func ValidSpeed(speed int) bool {
	for _, s := range ValidSpeeds {
		if s == speed {
			return true
		}
	}
	return false
}

// CellsPerTick maps a speed to the cells advanced on the given scheduler
// tick. Speed 4 covers 2 cells per tick, speed 2 covers 1, and speed 1
// covers 1 cell every second tick.
func CellsPerTick(speed, tick int) int {
	switch speed {
	case 4:
		return 2
	case 2:
		return 1
	case 1:
		if tick%2 == 0 {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// Direction is a cardinal movement direction.
type Direction uint8

const (
	North Direction = iota
	South
	East
	West
)

func (d Direction) String() string {
	switch d {
	case North:
		return "north"
	case South:
		return "south"
	case East:
		return "east"
	case West:
		return "west"
	default:
		return "unknown"
	}
}

// Step advances (x, y) by cells in dir, clamped to the grid edges.
func (g Grid) Step(x, y, cells int, dir Direction) (int, int) {
	switch dir {
	case North:
		y = min(y+cells, g.Rows-1)
	case South:
		y = max(y-cells, 0)
	case East:
		x = min(x+cells, g.Cols-1)
	case West:
		x = max(x-cells, 0)
	}
	return x, y
}

// canMove reports whether a step in dir from (x, y) changes position.
func (g Grid) canMove(x, y int, dir Direction) bool {
	switch dir {
	case North:
		return y < g.Rows-1
	case South:
		return y > 0
	case East:
		return x < g.Cols-1
	case West:
		return x > 0
	default:
		return false
	}
}

// RandomDirection picks a uniformly random direction that moves from (x, y).
// The second return is false when the taxi is boxed in (1×1 grid).
func (g Grid) RandomDirection(rng *rand.Rand, x, y int) (Direction, bool) {
	var valid []Direction
	for _, d := range []Direction{North, South, East, West} {
		if g.canMove(x, y, d) {
			valid = append(valid, d)
		}
	}
	if len(valid) == 0 {
		return North, false
	}
	return valid[rng.IntN(len(valid))], true
}
