// Package topology lays agents out on an N-dimensional grid and derives the
// static neighbor sets used for peer gossip.
package topology

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Shape []int

// Size returns the number of cells in the grid.
func (s Shape) Size() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Validate() error {
	if len(s) == 0 {
		return errors.New("shape has no dimensions")
	}
	for i, d := range s {
		if d <= 0 {
			return fmt.Errorf("shape dimension %d must be positive, got %d", i, d)
		}
	}
	return nil
}

type Coordinate []int

func (c Coordinate) String() string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = strconv.Itoa(v)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// Unravel converts a flat index into a coordinate, row-major (last axis
// varies fastest).
func Unravel(i int, shape Shape) (Coordinate, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if i < 0 || i >= shape.Size() {
		return nil, fmt.Errorf("index %d out of range for shape %v", i, []int(shape))
	}
	c := make(Coordinate, len(shape))
	for d := len(shape) - 1; d >= 0; d-- {
		c[d] = i % shape[d]
		i /= shape[d]
	}
	return c, nil
}

// Chebyshev returns the maximum per-axis distance between a and b.
func Chebyshev(a, b Coordinate) int {
	dist := 0
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		dist = max(dist, d)
	}
	return dist
}

// Topology is immutable after New returns.
type Topology struct {
	shape     Shape
	ids       []string
	coords    map[string]Coordinate
	neighbors map[string][]string
}

// New places ids[i] at Unravel(i, shape) and precomputes every agent's Moore
// neighborhood, the agent itself included.
func New(shape Shape, ids []string) (*Topology, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if len(ids) != shape.Size() {
		return nil, fmt.Errorf("shape %v holds %d agents, got %d", []int(shape), shape.Size(), len(ids))
	}

	t := &Topology{
		shape:     append(Shape(nil), shape...),
		ids:       append([]string(nil), ids...),
		coords:    make(map[string]Coordinate, len(ids)),
		neighbors: make(map[string][]string, len(ids)),
	}
	for i, id := range ids {
		if _, dup := t.coords[id]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", id)
		}
		c, err := Unravel(i, shape)
		if err != nil {
			return nil, err
		}
		t.coords[id] = c
	}
	for _, id := range ids {
		c := t.coords[id]
		var ns []string
		for _, other := range ids {
			if Chebyshev(c, t.coords[other]) <= 1 {
				ns = append(ns, other)
			}
		}
		t.neighbors[id] = ns
	}
	return t, nil
}

func (t *Topology) Shape() Shape {
	return append(Shape(nil), t.shape...)
}

func (t *Topology) IDs() []string {
	return append([]string(nil), t.ids...)
}

func (t *Topology) Coordinate(id string) (Coordinate, bool) {
	c, ok := t.coords[id]
	if !ok {
		return nil, false
	}
	return append(Coordinate(nil), c...), true
}

// Neighbors returns the ids adjacent to id, id itself included.
func (t *Topology) Neighbors(id string) []string {
	return append([]string(nil), t.neighbors[id]...)
}
