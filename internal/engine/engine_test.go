package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseScore(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"I score it [[0.7]]", 0.7, false},
		{"[[ 1 ]] great", 1, false},
		{"[[1.5]]", 1, false},
		{"[[-2]]", 0, false},
		{"no score here", 0, true},
		{"[[abc]]", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseScore(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseScore(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseScore(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseSubtasks(t *testing.T) {
	in := "Sure!\n[[(analysis; Find information about the project; 50),\n (report_preparation; Write a conclusion; five), (broken)]]"
	got, err := ParseSubtasks(in)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 subtasks, got %+v", got)
	}
	if got[0].Type != "analysis" || got[0].Priority != 50 || got[0].Description != "Find information about the project" {
		t.Errorf("unexpected first subtask %+v", got[0])
	}
	if got[1].Priority != 0 {
		t.Errorf("expected unparseable priority to default to 0, got %d", got[1].Priority)
	}

	if _, err := ParseSubtasks("nothing"); !errors.Is(err, ErrNoSubtasks) {
		t.Errorf("expected ErrNoSubtasks, got %v", err)
	}
}

func TestClientComplete(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL + "/", APIKey: "sk-test", Model: "gpt-4o", MaxInputTokens: 2}, CharTokenizer{}, nil)
	out := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "a long prompt"}}, 50)
	if out != "hello" {
		t.Fatalf("expected hello, got %q", out)
	}
	if got.Model != "gpt-4o" || got.MaxTokens != 50 {
		t.Errorf("unexpected request %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "a long" {
		t.Errorf("expected truncated prompt, got %+v", got.Messages)
	}
}

func TestClientFailureReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Model: "m"}, nil, nil)
	if out := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, 10); out != "" {
		t.Fatalf("expected empty string on failure, got %q", out)
	}
	if out := c.Complete(context.Background(), nil, 10); out != "" {
		t.Fatalf("expected empty string for empty conversation, got %q", out)
	}
}

func TestGradingEvaluator(t *testing.T) {
	reply := "Decent attempt. [[0.8]]"
	eng := EngineFunc(func(ctx context.Context, msgs []Message, maxTokens int) string {
		if !strings.Contains(msgs[1].Content, "write a haiku") {
			t.Errorf("goal missing from prompt: %q", msgs[1].Content)
		}
		return reply
	})
	g := NewGradingEvaluator(eng, "write a haiku", 100)

	score, text, err := g.Evaluate(context.Background(), "an old silent pond")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if score != 0.8 || text != reply {
		t.Errorf("unexpected grade %v %q", score, text)
	}

	reply = "no grade"
	_, _, err = g.Evaluate(context.Background(), "x")
	var ese *ExternalServiceError
	if !errors.As(err, &ese) {
		t.Fatalf("expected ExternalServiceError, got %v", err)
	}
	if _, _, err := g.Evaluate(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty solution")
	}
}

func TestCharTokenizer(t *testing.T) {
	var tok CharTokenizer
	if n := tok.Count("abcdefg"); n != 3 {
		t.Errorf("expected 3 tokens, got %d", n)
	}
	if got := tok.Truncate("abcdefg", 2); got != "abcdef" {
		t.Errorf("unexpected truncation %q", got)
	}
	if got := tok.Truncate("abc", 0); got != "abc" {
		t.Errorf("zero budget must not truncate, got %q", got)
	}
}
