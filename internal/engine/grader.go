package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const gradingPrompt = "Act as a grading bot. Based on the global task, estimate how well the result solves the task on a scale from 0 to 1. " +
	"Point out mistakes and areas of improvement, then enclose the score in [[ ]].\n\n" +
	"Task: Write a story about a cat.\nResult: The cat was hungry. The cat was hungry.\nScore: [[0.2]]\n\n" +
	"Task: Write a story about a cat.\nResult: The cat was hungry. It ate a mouse.\nScore: [[0.4]]\n"

// GradingEvaluator asks the engine to grade a solution against a goal.
type GradingEvaluator struct {
	engine    Engine
	goal      string
	maxTokens int
}

func NewGradingEvaluator(e Engine, goal string, maxTokens int) *GradingEvaluator {
	return &GradingEvaluator{engine: e, goal: goal, maxTokens: maxTokens}
}

func (g *GradingEvaluator) Evaluate(ctx context.Context, solution string) (float64, string, error) {
	if strings.TrimSpace(solution) == "" {
		return 0, "", &ExternalServiceError{Service: "evaluator", Err: errors.New("empty solution")}
	}
	msgs := []Message{
		{Role: RoleSystem, Content: gradingPrompt},
		{Role: RoleUser, Content: "Task: " + g.goal + "\nResult: " + solution + "\nScore:"},
	}
	reply := g.engine.Complete(ctx, msgs, g.maxTokens)
	if reply == "" {
		return 0, "", &ExternalServiceError{Service: "evaluator", Err: errors.New("empty grading reply")}
	}
	score, err := ParseScore(reply)
	if err != nil {
		return 0, reply, &ExternalServiceError{Service: "evaluator", Err: fmt.Errorf("parse grade: %w", err)}
	}
	return score, reply, nil
}
