// Package engine talks to the reasoning backend: a chat completion endpoint
// that turns a conversation into text, and evaluators that score candidate
// solutions.
package engine

import (
	"context"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Engine generates text for a conversation. Provider failures yield an
// empty string, never an error.
type Engine interface {
	Complete(ctx context.Context, msgs []Message, maxTokens int) string
}

// Evaluator scores a candidate solution in [0,1] and explains the score.
type Evaluator interface {
	Evaluate(ctx context.Context, solution string) (float64, string, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, msgs []Message, maxTokens int) string

func (f EngineFunc) Complete(ctx context.Context, msgs []Message, maxTokens int) string {
	return f(ctx, msgs, maxTokens)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, solution string) (float64, string, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, solution string) (float64, string, error) {
	return f(ctx, solution)
}

// ExternalServiceError wraps a failure of the engine or an evaluator.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}
