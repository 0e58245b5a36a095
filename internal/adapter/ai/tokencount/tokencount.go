// Package tokencount estimates token counts for chat history pruning and
// usage accounting when the provider omits usage data.
//
// It uses tiktoken-go, a Go port of OpenAI's tokenizer. Non-OpenAI models
// are approximated with the cl100k_base family, which is close enough for
// budgeting purposes.
package tokencount

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// Rough chars-per-token heuristic used when no encoding is available.
const fallbackCharsPerToken = 4

// Counter provides thread-safe token counting with cached encodings.
type Counter struct {
	mu    sync.RWMutex
	cache map[string]*tiktoken.Tiktoken
}

func NewCounter() *Counter {
	return &Counter{cache: make(map[string]*tiktoken.Tiktoken)}
}

func (c *Counter) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	c.mu.RLock()
	enc, ok := c.cache[normalized]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.cache[normalized]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.String("normalized", normalized),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.cache[normalized] = enc
	return enc, nil
}

// normalizeModelName converts provider model IDs to tiktoken-compatible
// names. Router-style IDs carry a provider prefix and an optional pricing
// suffix, e.g. "meta-llama/llama-3.1-8b-instruct:free".
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	model = strings.TrimSuffix(model, ":free")

	switch {
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		// Modern models cluster around cl100k-family tokenization; gpt-4
		// selects that encoding.
		return "gpt-4"
	}
}

// CountTokens counts tokens in text for the given model.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.encodingFor(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// Estimate counts tokens in text, falling back to a character heuristic when
// no encoding can be loaded. It never fails.
func (c *Counter) Estimate(text, model string) int {
	n, err := c.CountTokens(text, model)
	if err != nil {
		return len(text) / fallbackCharsPerToken
	}
	return n
}

// EstimateMessages estimates the prompt cost of a chat history, including
// the per-message framing overhead of OpenAI-compatible APIs and the
// arguments of any tool calls riding on assistant messages.
func (c *Counter) EstimateMessages(msgs []domain.ChatMessage, model string) int {
	// 3 tokens of framing plus 1 for the role, per message; every reply is
	// primed with 3 more.
	const perMessage = 4
	total := 3
	for _, m := range msgs {
		total += perMessage
		total += c.Estimate(string(m.Role), model)
		total += c.Estimate(m.Content, model)
		for _, tc := range m.ToolCalls {
			total += c.Estimate(tc.Name, model)
			total += c.Estimate(tc.Arguments, model)
		}
	}
	return total
}
