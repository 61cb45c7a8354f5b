package topology

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// AssignRoles distributes n slots across roles in proportion to their
// normalized weights, then shuffles the result with rng. Every role with a
// positive weight gets at least one slot when n allows it.
func AssignRoles(n int, weights map[string]float64, rng *rand.Rand) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("cannot assign roles to %d agents", n)
	}

	names := make([]string, 0, len(weights))
	total := 0.0
	for name, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("role %q has invalid weight %v", name, w)
		}
		if w == 0 {
			continue
		}
		names = append(names, name)
		total += w
	}
	if total == 0 {
		return nil, errors.New("role weights sum to zero")
	}
	sort.Strings(names)

	counts := make(map[string]int, len(names))
	type rem struct {
		name string
		frac float64
	}
	var rems []rem
	assigned := 0
	for _, name := range names {
		exact := weights[name] / total * float64(n)
		c := int(math.Floor(exact))
		counts[name] = c
		assigned += c
		rems = append(rems, rem{name, exact - float64(c)})
	}
	sort.SliceStable(rems, func(i, j int) bool { return rems[i].frac > rems[j].frac })
	for i := 0; assigned < n; i++ {
		counts[rems[i%len(rems)].name]++
		assigned++
	}

	if n >= len(names) {
		for _, name := range names {
			if counts[name] > 0 {
				continue
			}
			donor := ""
			for _, other := range names {
				if counts[other] > 1 && (donor == "" || counts[other] > counts[donor]) {
					donor = other
				}
			}
			if donor == "" {
				break
			}
			counts[donor]--
			counts[name]++
		}
	}

	roles := make([]string, 0, n)
	for _, name := range names {
		for range counts[name] {
			roles = append(roles, name)
		}
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	rng.Shuffle(len(roles), func(i, j int) { roles[i], roles[j] = roles[j], roles[i] })
	return roles, nil
}
