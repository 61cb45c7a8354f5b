package queue

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

type TaskType string

const (
	TypeBreakdown        TaskType = "breakdown_to_subtasks"
	TypeSummarisation    TaskType = "summarisation"
	TypeAnalysis         TaskType = "analysis"
	TypeReport           TaskType = "report_preparation"
	TypeGoogleSearch     TaskType = "google_search"
	TypeCrunchbaseSearch TaskType = "crunchbase_search"
)

var allTypes = []TaskType{
	TypeBreakdown,
	TypeSummarisation,
	TypeAnalysis,
	TypeReport,
	TypeGoogleSearch,
	TypeCrunchbaseSearch,
}

// AllTypes returns every task type known to the system.
func AllTypes() []TaskType {
	return slices.Clone(allTypes)
}

func (t TaskType) Known() bool {
	return slices.Contains(allTypes, t)
}

func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(strings.TrimSpace(s))
	if !t.Known() {
		return "", fmt.Errorf("unknown task type %q", s)
	}
	return t, nil
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

const (
	MinPriority = 0
	MaxPriority = 100
)

type Task struct {
	ID          string    `json:"id"`
	Priority    int       `json:"priority"`
	Type        TaskType  `json:"type"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	AddedAt     time.Time `json:"added_at"`
	ClaimedAt   time.Time `json:"claimed_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	ClaimedBy   string    `json:"claimed_by,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Done reports whether the task reached a final status.
func (t Task) Done() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var (
	ErrValidation        = errors.New("invalid task")
	ErrUnknownTask       = errors.New("unknown task")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Permissions maps a role name to the task types agents of that role may
// claim. It is the only source of truth for dispatch filtering.
type Permissions map[string][]TaskType

func (p Permissions) Allowed(role string) []TaskType {
	return p[role]
}

func (p Permissions) Permits(role string, t TaskType) bool {
	return slices.Contains(p[role], t)
}

// Registered returns the set of task types claimable by at least one role.
func (p Permissions) Registered() map[TaskType]bool {
	out := make(map[TaskType]bool)
	for _, types := range p {
		for _, t := range types {
			out[t] = true
		}
	}
	return out
}

// Subtasks returns the registered task types a breakdown may propose, in
// declaration order. Breakdown itself is never offered.
func (p Permissions) Subtasks() []TaskType {
	registered := p.Registered()
	var out []TaskType
	for _, t := range allTypes {
		if t != TypeBreakdown && registered[t] {
			out = append(out, t)
		}
	}
	return out
}

// Roles returns the role names in sorted order.
func (p Permissions) Roles() []string {
	roles := make([]string, 0, len(p))
	for r := range p {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// Validate checks the table itself and that every type in required can be
// claimed by at least one of the roles in present.
func (p Permissions) Validate(present []string, required []TaskType) error {
	if len(p) == 0 {
		return errors.New("no roles defined")
	}
	for _, role := range p.Roles() {
		types := p[role]
		if len(types) == 0 {
			return fmt.Errorf("role %q has no permitted task types", role)
		}
		for _, t := range types {
			if !t.Known() {
				return fmt.Errorf("role %q: unknown task type %q", role, t)
			}
		}
	}
	for _, role := range present {
		if _, ok := p[role]; !ok {
			return fmt.Errorf("role %q has no permission entry", role)
		}
	}
	for _, t := range required {
		claimable := false
		for _, role := range present {
			if p.Permits(role, t) {
				claimable = true
				break
			}
		}
		if !claimable {
			return fmt.Errorf("task type %q cannot be claimed by any role in the swarm", t)
		}
	}
	return nil
}
