package ratelimiter

import "strings"

// price is USD per million tokens.
type price struct {
	In  float64
	Out float64
}

// modelPrices holds published per-model prices. Models not listed cost zero;
// the budget is enforced in tokens, cost is reporting only.
var modelPrices = map[string]price{
	"openai/gpt-4o":                      {In: 2.50, Out: 10.00},
	"openai/gpt-4o-mini":                 {In: 0.15, Out: 0.60},
	"openai/gpt-4.1":                     {In: 2.00, Out: 8.00},
	"openai/gpt-4.1-mini":                {In: 0.40, Out: 1.60},
	"anthropic/claude-sonnet-4":          {In: 3.00, Out: 15.00},
	"anthropic/claude-3.5-haiku":         {In: 0.80, Out: 4.00},
	"google/gemini-2.0-flash-001":        {In: 0.10, Out: 0.40},
	"deepseek/deepseek-chat":             {In: 0.27, Out: 1.10},
	"meta-llama/llama-3.1-70b-instruct":  {In: 0.30, Out: 0.40},
	"mistralai/mistral-small-3.1":        {In: 0.10, Out: 0.30},
	"qwen/qwen-2.5-72b-instruct":         {In: 0.35, Out: 0.40},
}

// CostFor prices one turn. ":free" variants and unknown models cost zero.
func CostFor(model string, inTokens, outTokens int) float64 {
	name := strings.ToLower(strings.TrimSpace(model))
	if strings.HasSuffix(name, ":free") {
		return 0
	}
	p, ok := modelPrices[name]
	if !ok {
		return 0
	}
	const million = 1_000_000
	return p.In*float64(inTokens)/million + p.Out*float64(outTokens)/million
}
