// Package stub provides a deterministic, scripted ModelClient for tests and
// for local development without a provider key.
package stub

import (
	"sync"
	"time"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// Turn scripts one StreamTurn call. Content is streamed through onToken in
// small chunks before Err (if any) is returned, so partial-output paths can
// be exercised.
type Turn struct {
	domain.ModelTurn
	Err error
}

// Client replays scripted turns in order. Once the script runs out it falls
// back to a fixed friendly answer, which keeps local development usable with
// no script at all.
type Client struct {
	// Delay is slept before each emitted chunk; tests use it to widen the
	// cancellation window.
	Delay time.Duration

	mu    sync.Mutex
	turns []Turn
	next  int
}

func New(turns ...Turn) *Client {
	return &Client{turns: turns}
}

const chunkRunes = 8

func (c *Client) StreamTurn(ctx domain.Context, req domain.ModelRequest, onToken func(string)) (domain.ModelTurn, error) {
	scripted := c.take()

	turn := scripted.ModelTurn
	emitted, err := c.emit(ctx, turn.Content, onToken)
	if err != nil {
		turn.Content = emitted
		turn.FinishReason = "stop"
		c.fillTokens(&turn, req)
		return turn, err
	}
	if scripted.Err != nil {
		c.fillTokens(&turn, req)
		return turn, scripted.Err
	}
	if turn.FinishReason == "" {
		if len(turn.ToolCalls) > 0 {
			turn.FinishReason = "tool_calls"
		} else {
			turn.FinishReason = "stop"
		}
	}
	c.fillTokens(&turn, req)
	return turn, nil
}

func (c *Client) take() Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next < len(c.turns) {
		t := c.turns[c.next]
		c.next++
		return t
	}
	return Turn{ModelTurn: domain.ModelTurn{
		Content:      "I looked at your data and everything checks out.",
		FinishReason: "stop",
	}}
}

// emit streams content in rune chunks, honoring cancellation between chunks.
// It returns what was emitted so far alongside any context error.
func (c *Client) emit(ctx domain.Context, content string, onToken func(string)) (string, error) {
	runes := []rune(content)
	emitted := 0
	for emitted < len(runes) {
		select {
		case <-ctx.Done():
			return string(runes[:emitted]), ctx.Err()
		default:
		}
		if c.Delay > 0 {
			time.Sleep(c.Delay)
		}
		end := emitted + chunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		onToken(string(runes[emitted:end]))
		emitted = end
	}
	return content, nil
}

func (c *Client) fillTokens(turn *domain.ModelTurn, req domain.ModelRequest) {
	if turn.InputTokens == 0 {
		for _, m := range req.Messages {
			turn.InputTokens += len(m.Content) / 4
		}
	}
	if turn.OutputTokens == 0 {
		turn.OutputTokens = len(turn.Content)/4 + 1
	}
}
