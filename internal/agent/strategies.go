package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mtzanidakis/hive/internal/engine"
	"github.com/mtzanidakis/hive/internal/memory"
	"github.com/mtzanidakis/hive/internal/queue"
)

// DefaultScore is assigned to a non-empty result when no evaluator is
// available to grade it.
const DefaultScore = 0.5

// ErrUnsupportedTask is returned when a strategy receives a task type it
// has no handler for.
var ErrUnsupportedTask = errors.New("unsupported task type")

// Manager breaks goals into subtasks and summarises what the swarm found.
type Manager struct {
	DefaultSharing
	Engine    engine.Engine
	MaxTokens int
	// Types are the task types subtasks may use.
	Types []queue.TaskType
}

func (m *Manager) Perform(ctx context.Context, in Input) (Outcome, error) {
	if in.Task == nil {
		return Outcome{}, errors.New("manager needs a task")
	}
	switch in.Task.Type {
	case queue.TypeBreakdown:
		return m.breakdown(ctx, in)
	case queue.TypeSummarisation:
		return m.summarise(ctx, in)
	}
	return Outcome{}, fmt.Errorf("%w: %s", ErrUnsupportedTask, in.Task.Type)
}

func (m *Manager) breakdown(ctx context.Context, in Input) (Outcome, error) {
	names := make([]string, len(m.Types))
	for i, t := range m.Types {
		names[i] = string(t)
	}
	if len(names) == 0 {
		return Outcome{}, errors.New("no subtask types configured")
	}

	system := "Act as a project manager. Break the task down into subtasks that other agents can perform independently." +
		"\nFollowing subtasks are allowed: " + strings.Join(names, ", ") +
		"\nThe output MUST be ONLY a list of subtasks in the following format: " +
		"[[(subtask_type; subtask_description; priority in 0 to 100), (subtask_type; subtask_description; priority in 0 to 100), ...]]" +
		"\nExample:\nTask: Write a report about the current state of the project.\nSubtasks:\n" +
		fmt.Sprintf("[[(%s; Find information about the project; 50), (%s; Write a conclusion; 5)]]", names[0], names[len(names)-1])

	reply := m.Engine.Complete(ctx, []engine.Message{
		{Role: engine.RoleSystem, Content: system},
		{Role: engine.RoleUser, Content: "Task: " + in.Task.Description + "\nSubtasks:"},
	}, m.MaxTokens)
	if reply == "" {
		return Outcome{}, &engine.ExternalServiceError{Service: "engine", Err: errors.New("empty breakdown reply")}
	}

	parsed, err := engine.ParseSubtasks(reply)
	if err != nil {
		return Outcome{}, fmt.Errorf("parse breakdown: %w", err)
	}

	var subtasks []queue.Task
	var listed []string
	for _, st := range parsed {
		t, err := queue.ParseTaskType(st.Type)
		if err != nil {
			continue
		}
		prio := min(max(st.Priority, queue.MinPriority), queue.MaxPriority)
		subtasks = append(subtasks, queue.Task{Type: t, Description: st.Description, Priority: prio})
		listed = append(listed, fmt.Sprintf("(%s; %s; %d)", t, st.Description, prio))
	}
	if len(subtasks) == 0 {
		return Outcome{}, errors.New("breakdown produced no usable subtasks")
	}

	return Outcome{
		Score:    DefaultScore,
		Content:  fmt.Sprintf("Task '%s' was broken down into %d subtasks: %s", in.Task.Description, len(subtasks), strings.Join(listed, ", ")),
		Subtasks: subtasks,
	}, nil
}

func (m *Manager) summarise(ctx context.Context, in Input) (Outcome, error) {
	results := contents(in.Shared)
	if len(results) == 0 {
		return Outcome{}, errors.New("nothing to summarise yet")
	}
	reply := m.Engine.Complete(ctx, []engine.Message{
		{Role: engine.RoleSystem, Content: "Summarise the results below with respect to the global task. Keep every relevant fact, drop repetition."},
		{Role: engine.RoleUser, Content: "Global task:\n" + in.Task.Description + "\nResults:\n" + strings.Join(results, "\n")},
	}, m.MaxTokens)
	return scored(ctx, in, reply)
}

// Analyst performs any permitted task by reasoning over it directly.
type Analyst struct {
	DefaultSharing
	Engine    engine.Engine
	MaxTokens int
}

func (a *Analyst) Perform(ctx context.Context, in Input) (Outcome, error) {
	if in.Task == nil {
		return Outcome{}, errors.New("analyst needs a task")
	}
	prompt := "Act as an analyst and worker. " +
		fmt.Sprintf("You need to perform a task: %s. The type of the task is %s. ", in.Task.Description, in.Task.Type) +
		"If you don't have capabilities to perform the task, return an empty string. " +
		"Make sure to actually solve the task and provide a valid solution; avoid describing how you would do it."
	msgs := []engine.Message{{Role: engine.RoleUser, Content: prompt}}
	if ctxText := contents(in.Memory); len(ctxText) > 0 {
		msgs = append([]engine.Message{{Role: engine.RoleSystem, Content: "Relevant findings so far:\n" + strings.Join(ctxText, "\n")}}, msgs...)
	}
	reply := a.Engine.Complete(ctx, msgs, a.MaxTokens)
	return scored(ctx, in, reply)
}

// Reporter synthesises the final report from the swarm's best results.
type Reporter struct {
	DefaultSharing
	Engine    engine.Engine
	MaxTokens int
}

func (r *Reporter) Perform(ctx context.Context, in Input) (Outcome, error) {
	if in.Task == nil {
		return Outcome{}, errors.New("reporter needs a task")
	}
	if in.Task.Type != queue.TypeReport {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnsupportedTask, in.Task.Type)
	}
	findings := contents(in.Shared)
	reply := r.Engine.Complete(ctx, []engine.Message{
		{Role: engine.RoleSystem, Content: "Act as a professional report writer. Prepare a structured final report for the task using the findings provided. Cite every finding you rely on."},
		{Role: engine.RoleUser, Content: "Task: " + in.Task.Description + "\nFindings:\n" + strings.Join(findings, "\n---\n")},
	}, r.MaxTokens)
	return scored(ctx, in, reply)
}

// Worker iterates on a fixed goal, building on what its neighbors shared.
type Worker struct {
	DefaultSharing
	Engine    engine.Engine
	MaxTokens int
}

func (w *Worker) Perform(ctx context.Context, in Input) (Outcome, error) {
	system := fmt.Sprintf("Act as a professional %s.", in.Role)
	msgs := []engine.Message{{Role: engine.RoleSystem, Content: system}}
	if len(in.Memory) > 0 {
		var b strings.Builder
		b.WriteString("Previous solutions from you and your neighbors, with their scores. Improve on the best of them.\n")
		for _, e := range in.Memory {
			fmt.Fprintf(&b, "Score %.2f:\n%s\n", e.Score, e.Content)
		}
		msgs = append(msgs, engine.Message{Role: engine.RoleSystem, Content: b.String()})
	}
	msgs = append(msgs, engine.Message{Role: engine.RoleUser, Content: in.Goal})
	reply := w.Engine.Complete(ctx, msgs, w.MaxTokens)
	return scored(ctx, in, reply)
}

// scored grades reply with the unit's evaluator. An empty reply scores 0.
// Without an evaluator a non-empty reply gets DefaultScore. Evaluator
// failures become score 0 with a diagnostic, not an error.
func scored(ctx context.Context, in Input, reply string) (Outcome, error) {
	if strings.TrimSpace(reply) == "" {
		return Outcome{Score: 0, Content: "engine returned no output for: " + in.Objective()}, nil
	}
	if in.Evaluator == nil {
		return Outcome{Score: DefaultScore, Content: reply}, nil
	}
	score, evaluation, err := in.Evaluator.Evaluate(ctx, reply)
	if err != nil {
		return Outcome{Score: 0, Content: reply, Evaluation: "evaluation failed: " + err.Error()}, nil
	}
	return Outcome{Score: memory.ClampScore(score), Content: reply, Evaluation: evaluation}, nil
}

func contents(entries []memory.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Score <= 0 {
			continue
		}
		out = append(out, e.Content)
	}
	return out
}

// ForRole returns the built-in strategy for a role name. Unknown roles get
// an Analyst.
func ForRole(role string, mode Mode, e engine.Engine, maxTokens int, subtasks []queue.TaskType) Strategy {
	if mode == ModeGoal {
		return &Worker{Engine: e, MaxTokens: maxTokens}
	}
	switch role {
	case "manager":
		return &Manager{Engine: e, MaxTokens: maxTokens, Types: subtasks}
	case "reporter":
		return &Reporter{Engine: e, MaxTokens: maxTokens}
	}
	return &Analyst{Engine: e, MaxTokens: maxTokens}
}
