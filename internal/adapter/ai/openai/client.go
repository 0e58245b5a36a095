// Package openai implements domain.ModelClient against any OpenAI-compatible
// chat-completions endpoint using server-sent event streaming.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"log/slog"

	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/observability"
	"github.com/fairyhunter13/ai-data-analyst/internal/config"
	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// Client streams assistant turns from an OpenAI-compatible provider.
// Connection establishment retries with backoff; once the stream is open a
// failure ends the turn, because emitted tokens cannot be taken back.
type Client struct {
	cfg     config.Config
	hc      *http.Client
	counter *tokencount.Counter
}

func New(cfg config.Config) *Client {
	// No overall client timeout: turns are long-lived streams bounded by the
	// caller's context and the per-chunk idle watchdog.
	return &Client{
		cfg: cfg,
		hc: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		counter: tokencount.NewCounter(),
	}
}

// Wire shapes for the chat-completions request.
type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireToolSpec `json:"function"`
}

type wireToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// streamChunk is one SSE data payload. Providers that report usage on the
// final chunk need stream_options.include_usage in the request.
type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// StreamTurn runs one streamed assistant turn. The returned ModelTurn always
// carries whatever accumulated before an error, so a cancelled run can be
// finalized with its partial text.
func (c *Client) StreamTurn(ctx domain.Context, req domain.ModelRequest, onToken func(string)) (domain.ModelTurn, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.AIModelDefault
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.AIMaxTokens
	}

	start := time.Now()
	turn, err := c.streamTurn(ctx, model, maxTokens, req, onToken)
	turn.FinishReason = finishOr(turn.FinishReason, err)
	c.fillTokenEstimates(&turn, model, req)
	observability.ObserveModelTurn(model, outcomeOf(err), time.Since(start), turn.InputTokens, turn.OutputTokens)
	if err != nil {
		slog.Warn("model turn failed",
			slog.String("model", model),
			slog.String("outcome", outcomeOf(err)),
			slog.Any("error", err))
		return turn, err
	}
	slog.Debug("model turn complete",
		slog.String("model", model),
		slog.String("finish_reason", turn.FinishReason),
		slog.Int("input_tokens", turn.InputTokens),
		slog.Int("output_tokens", turn.OutputTokens),
		slog.Int("tool_calls", len(turn.ToolCalls)))
	return turn, nil
}

func (c *Client) streamTurn(ctx domain.Context, model string, maxTokens int, req domain.ModelRequest, onToken func(string)) (domain.ModelTurn, error) {
	var turn domain.ModelTurn
	if c.cfg.AIAPIKey == "" {
		return turn, fmt.Errorf("op=openai.StreamTurn: %w: AI_API_KEY missing", domain.ErrInvalidArgument)
	}

	body := map[string]any{
		"model":          model,
		"temperature":    0.2,
		"max_tokens":     maxTokens,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
		"messages":       wireMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		body["tools"] = wireTools(req.Tools)
		body["tool_choice"] = "auto"
	}
	b, err := json.Marshal(body)
	if err != nil {
		return turn, fmt.Errorf("op=openai.StreamTurn: marshal request: %w", err)
	}

	// The idle watchdog cancels the request context when the provider stops
	// sending; idleFired distinguishes that from a caller cancellation.
	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()
	var idleFired atomic.Bool
	watchdog := time.AfterFunc(c.cfg.AIStreamIdle, func() {
		idleFired.Store(true)
		cancelReq()
	})
	defer watchdog.Stop()

	resp, err := c.connect(reqCtx, b, model)
	if err != nil {
		if idleFired.Load() {
			return turn, fmt.Errorf("op=openai.StreamTurn: %w: no data for %s", domain.ErrUpstreamTimeout, c.cfg.AIStreamIdle)
		}
		return turn, err
	}
	defer func() { _ = resp.Body.Close() }()

	err = c.readStream(resp.Body, watchdog, &turn, onToken)
	if err != nil {
		switch {
		case idleFired.Load():
			return turn, fmt.Errorf("op=openai.StreamTurn: %w: no data for %s", domain.ErrUpstreamTimeout, c.cfg.AIStreamIdle)
		case ctx.Err() != nil:
			return turn, ctx.Err()
		default:
			return turn, fmt.Errorf("op=openai.StreamTurn: %w", err)
		}
	}
	return turn, nil
}

// connect establishes the stream, retrying transient failures. A 4xx other
// than 429 stops immediately; repeated 429s surface as ErrUpstreamRateLimit.
func (c *Client) connect(ctx domain.Context, body []byte, model string) (*http.Response, error) {
	var resp *http.Response
	op := func() error {
		start := time.Now()
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AIBaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.AIAPIKey)
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Accept", "text/event-stream")
		res, err := c.hc.Do(r)
		observability.ModelRequestsTotal.WithLabelValues(model, "connect").Inc()
		if err != nil {
			slog.Warn("model connect failed",
				slog.String("model", model),
				slog.Duration("elapsed", time.Since(start)),
				slog.Any("error", err))
			return err
		}
		if res.StatusCode == http.StatusTooManyRequests {
			_ = res.Body.Close()
			slog.Warn("model provider rate limited",
				slog.String("model", model),
				slog.String("x_request_id", res.Header.Get("X-Request-Id")))
			return fmt.Errorf("%w: status 429", domain.ErrUpstreamRateLimit)
		}
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			snippet := readSnippet(res.Body, 512)
			_ = res.Body.Close()
			slog.Warn("model provider 4xx",
				slog.String("model", model),
				slog.Int("status", res.StatusCode),
				slog.String("x_request_id", res.Header.Get("X-Request-Id")),
				slog.String("body", snippet))
			return backoff.Permanent(fmt.Errorf("chat status %d: %s", res.StatusCode, snippet))
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			snippet := readSnippet(res.Body, 512)
			_ = res.Body.Close()
			slog.Warn("model provider non-2xx",
				slog.String("model", model),
				slog.Int("status", res.StatusCode),
				slog.String("body", snippet))
			return fmt.Errorf("chat status %d", res.StatusCode)
		}
		resp = res
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime, expo.InitialInterval, expo.MaxInterval, expo.Multiplier = c.cfg.GetAIBackoffConfig()
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		if errors.Is(err, domain.ErrUpstreamRateLimit) {
			return nil, fmt.Errorf("op=openai.connect: %w", domain.ErrUpstreamRateLimit)
		}
		return nil, fmt.Errorf("op=openai.connect: %w", err)
	}
	return resp, nil
}

// readStream consumes SSE lines until [DONE] or a finish marker, resetting
// the idle watchdog on every chunk.
func (c *Client) readStream(r io.Reader, watchdog *time.Timer, turn *domain.ModelTurn, onToken func(string)) error {
	var (
		content   strings.Builder
		reasoning strings.Builder
		calls     []domain.ToolCall
	)
	defer func() {
		turn.Content = content.String()
		turn.Reasoning = reasoning.String()
		turn.ToolCalls = calls
	}()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		watchdog.Reset(c.cfg.AIStreamIdle)
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Warn("model stream chunk decode failed", slog.Any("error", err))
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("provider stream error: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			turn.InputTokens = chunk.Usage.PromptTokens
			turn.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			onToken(choice.Delta.Content)
		}
		if choice.Delta.Reasoning != "" {
			reasoning.WriteString(choice.Delta.Reasoning)
		}
		for _, tc := range choice.Delta.ToolCalls {
			for tc.Index >= len(calls) {
				calls = append(calls, domain.ToolCall{})
			}
			if tc.ID != "" {
				calls[tc.Index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				calls[tc.Index].Name = tc.Function.Name
			}
			calls[tc.Index].Arguments += tc.Function.Arguments
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			turn.FinishReason = *choice.FinishReason
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	// EOF without [DONE]: providers occasionally just close; treat a stream
	// that already saw a finish_reason as complete.
	if turn.FinishReason == "" {
		return errors.New("stream ended without finish reason")
	}
	return nil
}

// fillTokenEstimates backfills token counts when the provider omitted usage,
// so accounting and pruning never see zeros for a turn that produced text.
func (c *Client) fillTokenEstimates(turn *domain.ModelTurn, model string, req domain.ModelRequest) {
	if turn.InputTokens == 0 {
		turn.InputTokens = c.counter.EstimateMessages(req.Messages, model)
	}
	if turn.OutputTokens == 0 && (turn.Content != "" || len(turn.ToolCalls) > 0) {
		out := c.counter.Estimate(turn.Content, model)
		for _, tc := range turn.ToolCalls {
			out += c.counter.Estimate(tc.Arguments, model)
		}
		turn.OutputTokens = out
	}
}

func wireMessages(msgs []domain.ChatMessage) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

func wireTools(specs []domain.ToolSpec) []wireTool {
	out := make([]wireTool, 0, len(specs))
	for _, s := range specs {
		out = append(out, wireTool{
			Type: "function",
			Function: wireToolSpec{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return out
}

func finishOr(reason string, err error) string {
	if reason != "" {
		return reason
	}
	if err != nil {
		return "error"
	}
	return "stop"
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, domain.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, domain.ErrUpstreamRateLimit):
		return "rate_limited"
	default:
		return "error"
	}
}

func readSnippet(r io.Reader, n int) string {
	b, _ := io.ReadAll(io.LimitReader(r, int64(n)))
	return string(b)
}
