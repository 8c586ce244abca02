package grid

import (
	"math/rand/v2"
	"testing"
)

func TestNewRejectsBadDimensions(t *testing.T) {
	for _, tc := range []struct{ rows, cols int }{
		{0, 10},
		{10, 0},
		{-1, 5},
		{MaxRows + 1, 10},
		{10, MaxCols + 1},
	} {
		if _, err := New(tc.rows, tc.cols); err == nil {
			t.Errorf("New(%d, %d): want error", tc.rows, tc.cols)
		}
	}
	if _, err := New(1, 1); err != nil {
		t.Fatalf("New(1, 1): %v", err)
	}
	if _, err := New(MaxRows, MaxCols); err != nil {
		t.Fatalf("New(max, max): %v", err)
	}
}

func TestContains(t *testing.T) {
	g := Grid{Rows: 4, Cols: 6}
	for _, tc := range []struct {
		x, y int
		want bool
	}{
		{0, 0, true},
		{5, 3, true},
		{6, 3, false},
		{5, 4, false},
		{-1, 0, false},
		{0, -1, false},
	} {
		if got := g.Contains(tc.x, tc.y); got != tc.want {
			t.Errorf("Contains(%d, %d) = %v, want %v", tc.x, tc.y, got, tc.want)
		}
	}
}

func TestOnBorder(t *testing.T) {
	g := Grid{Rows: 5, Cols: 5}
	if !g.OnBorder(0, 2) || !g.OnBorder(4, 2) || !g.OnBorder(2, 0) || !g.OnBorder(2, 4) {
		t.Fatal("edge cells must be on the border")
	}
	if g.OnBorder(2, 2) || g.OnBorder(1, 3) {
		t.Fatal("interior cells must not be on the border")
	}
}

func TestValidSpeed(t *testing.T) {
	for _, s := range ValidSpeeds {
		if !ValidSpeed(s) {
			t.Errorf("ValidSpeed(%d) = false", s)
		}
	}
	for _, s := range []int{0, 3, 5, -1} {
		if ValidSpeed(s) {
			t.Errorf("ValidSpeed(%d) = true", s)
		}
	}
}

func TestCellsPerTick(t *testing.T) {
	for _, tc := range []struct {
		speed, tick, want int
	}{
		{4, 0, 2},
		{4, 1, 2},
		{2, 0, 1},
		{2, 7, 1},
		{1, 0, 1},
		{1, 1, 0},
		{1, 2, 1},
		{1, 3, 0},
	} {
		if got := CellsPerTick(tc.speed, tc.tick); got != tc.want {
			t.Errorf("CellsPerTick(%d, %d) = %d, want %d", tc.speed, tc.tick, got, tc.want)
		}
	}
}

func TestStepClampsToEdges(t *testing.T) {
	g := Grid{Rows: 5, Cols: 5}
	if x, y := g.Step(2, 3, 2, North); x != 2 || y != 4 {
		t.Fatalf("Step north clamp: got (%d, %d), want (2, 4)", x, y)
	}
	if x, y := g.Step(2, 1, 2, South); x != 2 || y != 0 {
		t.Fatalf("Step south clamp: got (%d, %d), want (2, 0)", x, y)
	}
	if x, y := g.Step(4, 2, 2, East); x != 4 || y != 2 {
		t.Fatalf("Step east clamp: got (%d, %d), want (4, 2)", x, y)
	}
	if x, y := g.Step(1, 2, 2, West); x != 0 || y != 2 {
		t.Fatalf("Step west clamp: got (%d, %d), want (0, 2)", x, y)
	}
}

func TestRandomDirectionAlwaysMoves(t *testing.T) {
	g := Grid{Rows: 3, Cols: 3}
	rng := rand.New(rand.NewPCG(1, 2))
	for range 100 {
		dir, ok := g.RandomDirection(rng, 0, 0)
		if !ok {
			t.Fatal("corner of a 3x3 grid is not boxed in")
		}
		if x, y := g.Step(0, 0, 1, dir); x == 0 && y == 0 {
			t.Fatalf("direction %s did not move from the corner", dir)
		}
	}
}

func TestRandomDirectionBoxedIn(t *testing.T) {
	g := Grid{Rows: 1, Cols: 1}
	rng := rand.New(rand.NewPCG(1, 2))
	if _, ok := g.RandomDirection(rng, 0, 0); ok {
		t.Fatal("1x1 grid must report boxed in")
	}
}
