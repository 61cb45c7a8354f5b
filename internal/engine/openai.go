package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type ClientConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	Temperature    float64
	MaxInputTokens int
	Timeout        time.Duration
	RPS            float64
	Burst          int
}

// Client calls an OpenAI compatible chat completions endpoint.
type Client struct {
	cfg       ClientConfig
	http      *http.Client
	limiter   *rate.Limiter
	tokenizer Tokenizer
	logger    *slog.Logger
}

func NewClient(cfg ClientConfig, tok Tokenizer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if tok == nil {
		tok = CharTokenizer{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		tokenizer: tok,
		logger:    logger,
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
	N           int       `json:"n"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete implements Engine. Failures are logged and reported as "".
func (c *Client) Complete(ctx context.Context, msgs []Message, maxTokens int) string {
	out, err := c.complete(ctx, msgs, maxTokens)
	if err != nil {
		c.logger.Warn("engine call failed", "model", c.cfg.Model, "error", &ExternalServiceError{Service: "engine", Err: err})
		return ""
	}
	return out
}

func (c *Client) complete(ctx context.Context, msgs []Message, maxTokens int) (string, error) {
	if len(msgs) == 0 {
		return "", errors.New("empty conversation")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    c.truncate(msgs),
		MaxTokens:   maxTokens,
		Temperature: c.cfg.Temperature,
		N:           1,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if cr.Error != nil && cr.Error.Message != "" {
			msg = cr.Error.Message
		}
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	if len(cr.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return cr.Choices[0].Message.Content, nil
}

// truncate shortens each message so it fits within MaxInputTokens.
func (c *Client) truncate(msgs []Message) []Message {
	if c.cfg.MaxInputTokens <= 0 {
		return msgs
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Message{Role: m.Role, Content: c.tokenizer.Truncate(m.Content, c.cfg.MaxInputTokens)}
	}
	return out
}
