package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

type Schedule struct {
	Kind     string        `json:"kind"`
	CronExpr string        `json:"cron_expr,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
	At       time.Time     `json:"at,omitzero"`
}

// Parse accepts a cron expression (gronx syntax, macros like @hourly
// included), "@every <duration>" or "@at <RFC3339 time>".
func Parse(raw string) (Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Schedule{}, errors.New("empty schedule")
	}

	if rest, ok := strings.CutPrefix(raw, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid interval %q: %w", rest, err)
		}
		if d <= 0 {
			return Schedule{}, errors.New("interval must be positive")
		}
		return Schedule{Kind: KindInterval, Interval: d}, nil
	}

	if rest, ok := strings.CutPrefix(raw, "@at "); ok {
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(rest))
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid time %q: %w", rest, err)
		}
		return Schedule{Kind: KindOnce, At: t}, nil
	}

	if !gronx.New().IsValid(raw) {
		return Schedule{}, fmt.Errorf("invalid cron expression: %s", raw)
	}
	return Schedule{Kind: KindCron, CronExpr: raw}, nil
}

// Next returns the first run strictly after now. A one-shot schedule in the
// past has no next run.
func (s Schedule) Next(now time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	case KindInterval:
		return now.Add(s.Interval), true
	case KindOnce:
		if s.At.After(now) {
			return s.At, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// String returns a human-readable description.
func (s Schedule) String() string {
	switch s.Kind {
	case KindCron:
		return s.CronExpr
	case KindInterval:
		d := s.Interval
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		default:
			return "Every " + d.String()
		}
	case KindOnce:
		return "Once at " + s.At.Format("Jan 2 15:04")
	default:
		return "invalid schedule"
	}
}
