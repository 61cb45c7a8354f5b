package topology

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"pgregory.net/rapid"
)

func gridIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("agent-%d", i)
	}
	return ids
}

func TestUnravelRowMajor(t *testing.T) {
	tests := []struct {
		i     int
		shape Shape
		want  Coordinate
	}{
		{0, Shape{3, 3}, Coordinate{0, 0}},
		{4, Shape{3, 3}, Coordinate{1, 1}},
		{5, Shape{3, 3}, Coordinate{1, 2}},
		{8, Shape{3, 3}, Coordinate{2, 2}},
		{7, Shape{2, 2, 2}, Coordinate{1, 1, 1}},
		{3, Shape{5}, Coordinate{3}},
	}
	for _, tt := range tests {
		got, err := Unravel(tt.i, tt.shape)
		if err != nil {
			t.Fatalf("unravel %d: %v", tt.i, err)
		}
		if !slices.Equal(got, tt.want) {
			t.Errorf("unravel(%d, %v) = %v, want %v", tt.i, tt.shape, got, tt.want)
		}
	}

	if _, err := Unravel(9, Shape{3, 3}); err == nil {
		t.Error("expected out of range error")
	}
	if _, err := Unravel(0, Shape{3, 0}); err == nil {
		t.Error("expected invalid shape error")
	}
}

func TestNeighborsThreeByThree(t *testing.T) {
	ids := gridIDs(9)
	topo, err := New(Shape{3, 3}, ids)
	if err != nil {
		t.Fatalf("new topology: %v", err)
	}

	center := ids[4]
	if c, _ := topo.Coordinate(center); c.String() != "(1,1)" {
		t.Fatalf("expected center at (1,1), got %v", c)
	}
	if n := topo.Neighbors(center); len(n) != 9 {
		t.Errorf("center: expected 9 neighbors, got %d", len(n))
	}

	corner := ids[0]
	ns := topo.Neighbors(corner)
	if len(ns) != 4 {
		t.Errorf("corner: expected 4 neighbors, got %d", len(ns))
	}
	if !slices.Contains(ns, corner) {
		t.Error("neighbors must include the agent itself")
	}

	edge := ids[1]
	if n := topo.Neighbors(edge); len(n) != 6 {
		t.Errorf("edge: expected 6 neighbors, got %d", len(n))
	}
}

func TestNewRejectsMismatch(t *testing.T) {
	if _, err := New(Shape{2, 2}, gridIDs(3)); err == nil {
		t.Fatal("expected size mismatch error")
	}
	if _, err := New(Shape{2}, []string{"a", "a"}); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestNeighborsSymmetric(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dims := rapid.SliceOfN(rapid.IntRange(1, 4), 1, 3).Draw(rt, "shape")
		shape := Shape(dims)
		ids := gridIDs(shape.Size())
		topo, err := New(shape, ids)
		if err != nil {
			rt.Fatalf("new: %v", err)
		}
		for _, a := range ids {
			ns := topo.Neighbors(a)
			if !slices.Contains(ns, a) {
				rt.Fatalf("%s missing from its own neighborhood", a)
			}
			if len(ns) > pow3(len(shape)) {
				rt.Fatalf("%s has %d neighbors, more than 3^%d", a, len(ns), len(shape))
			}
			for _, b := range ns {
				if !slices.Contains(topo.Neighbors(b), a) {
					rt.Fatalf("%s -> %s not symmetric", a, b)
				}
			}
		}
	})
}

func pow3(d int) int {
	n := 1
	for range d {
		n *= 3
	}
	return n
}

func TestAssignRolesProportional(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	roles, err := AssignRoles(10, map[string]float64{"manager": 1, "analyst": 3, "reporter": 1}, rng)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(roles) != 10 {
		t.Fatalf("expected 10 roles, got %d", len(roles))
	}
	counts := map[string]int{}
	for _, r := range roles {
		counts[r]++
	}
	if counts["manager"] != 2 || counts["analyst"] != 6 || counts["reporter"] != 2 {
		t.Errorf("unexpected distribution %v", counts)
	}
}

func TestAssignRolesCoversEveryRole(t *testing.T) {
	roles, err := AssignRoles(3, map[string]float64{"a": 100, "b": 1, "c": 1}, rand.New(rand.NewPCG(7, 7)))
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	for _, want := range []string{"a", "b", "c"} {
		if !slices.Contains(roles, want) {
			t.Errorf("role %s not assigned: %v", want, roles)
		}
	}
}

func TestAssignRolesDeterministicWithSeed(t *testing.T) {
	w := map[string]float64{"x": 1, "y": 1}
	a, _ := AssignRoles(8, w, rand.New(rand.NewPCG(42, 42)))
	b, _ := AssignRoles(8, w, rand.New(rand.NewPCG(42, 42)))
	if !slices.Equal(a, b) {
		t.Errorf("same seed produced %v and %v", a, b)
	}
}

func TestAssignRolesErrors(t *testing.T) {
	if _, err := AssignRoles(0, map[string]float64{"a": 1}, nil); err == nil {
		t.Error("expected error for zero agents")
	}
	if _, err := AssignRoles(2, map[string]float64{"a": 0}, nil); err == nil {
		t.Error("expected error for zero weights")
	}
	if _, err := AssignRoles(2, map[string]float64{"a": -1}, nil); err == nil {
		t.Error("expected error for negative weight")
	}
}
