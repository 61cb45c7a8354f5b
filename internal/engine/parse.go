package engine

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

var (
	bracketed = regexp.MustCompile(`\[\[(.*?)\]\]`)
	block     = regexp.MustCompile(`\[\[.*\]\]`)
	tuple     = regexp.MustCompile(`\(.*?\)`)
)

var ErrNoScore = errors.New("no score found")

// ParseScore extracts the first number enclosed in [[ ]] and clamps it
// into [0,1].
func ParseScore(text string) (float64, error) {
	m := bracketed.FindStringSubmatch(text)
	if m == nil {
		return 0, ErrNoScore
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(m[1]), 64)
	if err != nil {
		return 0, ErrNoScore
	}
	return min(max(v, 0), 1), nil
}

type Subtask struct {
	Type        string
	Description string
	Priority    int
}

var ErrNoSubtasks = errors.New("no subtask list found")

// ParseSubtasks reads a list formatted as
// [[(type; description; priority), ...]]. Tuples missing a type or a
// description are skipped; an unparseable priority becomes 0.
func ParseSubtasks(text string) ([]Subtask, error) {
	flat := strings.NewReplacer("\n", "", "\r", "", "\t", "").Replace(text)
	listStr := block.FindString(flat)
	if listStr == "" {
		return nil, ErrNoSubtasks
	}

	var out []Subtask
	for _, raw := range tuple.FindAllString(listStr, -1) {
		raw = strings.NewReplacer("(", "", ")", "", "[", "", "]", "", "'", "").Replace(raw)
		parts := strings.Split(raw, ";")
		if len(parts) < 2 {
			continue
		}
		st := Subtask{
			Type:        strings.TrimSpace(parts[0]),
			Description: strings.TrimSpace(parts[1]),
		}
		if st.Type == "" || st.Description == "" {
			continue
		}
		if len(parts) > 2 {
			if p, err := strconv.Atoi(strings.TrimSpace(parts[2])); err == nil {
				st.Priority = p
			}
		}
		out = append(out, st)
	}
	return out, nil
}
