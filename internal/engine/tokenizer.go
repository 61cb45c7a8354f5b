package engine

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// charsPerToken approximates token counts when no encoding is available.
const charsPerToken = 3

type Tokenizer interface {
	Count(text string) int
	Truncate(text string, maxTokens int) string
}

// CharTokenizer estimates three characters per token.
type CharTokenizer struct{}

func (CharTokenizer) Count(text string) int {
	n := len([]rune(text))
	return (n + charsPerToken - 1) / charsPerToken
}

func (CharTokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	r := []rune(text)
	limit := maxTokens * charsPerToken
	if len(r) <= limit {
		return text
	}
	return string(r[:limit])
}

var encodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4.1":       "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// Tiktoken counts tokens with the model's BPE encoding. The encoding is
// loaded on first use; if that fails it degrades to CharTokenizer.
type Tiktoken struct {
	encoding string
	logger   *slog.Logger

	once     sync.Once
	enc      *tiktoken.Tiktoken
	fallback CharTokenizer
}

func NewTiktoken(model string, logger *slog.Logger) *Tiktoken {
	if logger == nil {
		logger = slog.Default()
	}
	encoding := "cl100k_base"
	if e, ok := encodings[model]; ok {
		encoding = e
	} else {
		for prefix, e := range encodings {
			if strings.HasPrefix(model, prefix) {
				encoding = e
				break
			}
		}
	}
	return &Tiktoken{encoding: encoding, logger: logger}
}

func (t *Tiktoken) init() {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.logger.Warn("tiktoken unavailable, estimating tokens", "encoding", t.encoding, "error", fmt.Errorf("load encoding: %w", err))
			return
		}
		t.enc = enc
	})
}

func (t *Tiktoken) Count(text string) int {
	t.init()
	if t.enc == nil {
		return t.fallback.Count(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *Tiktoken) Truncate(text string, maxTokens int) string {
	t.init()
	if t.enc == nil {
		return t.fallback.Truncate(text, maxTokens)
	}
	if maxTokens <= 0 {
		return text
	}
	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return t.enc.Decode(tokens[:maxTokens])
}
