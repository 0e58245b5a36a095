// Package sqltranslate maps raw SQL engine errors to user-facing messages.
// The rule table lives in an embedded YAML file, evaluated in order; the
// first matching rule wins, and unmatched messages fall back to a generic
// explanation that exposes nothing engine-specific.
package sqltranslate

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var rulesYAML []byte

const fallbackFriendly = "The query could not be executed against the datasets. Rephrasing the question or simplifying the SQL usually helps."

type rule struct {
	Name        string   `yaml:"name"`
	Contains    []string `yaml:"contains"`
	Friendly    string   `yaml:"friendly"`
	ColumnsHint bool     `yaml:"columns_hint"`
}

// Translator holds the parsed rule table.
type Translator struct {
	rules []rule
}

// New parses the embedded rule table.
func New() (*Translator, error) {
	var doc struct {
		Rules []rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(rulesYAML, &doc); err != nil {
		return nil, fmt.Errorf("op=sqltranslate.New: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("op=sqltranslate.New: empty rule table")
	}
	for i, r := range doc.Rules {
		if r.Friendly == "" || len(r.Contains) == 0 {
			return nil, fmt.Errorf("op=sqltranslate.New: rule %d (%s) incomplete", i, r.Name)
		}
	}
	return &Translator{rules: doc.Rules}, nil
}

// MustNew is New for wiring paths where the embedded table is known-good.
func MustNew() *Translator {
	t, err := New()
	if err != nil {
		panic(err)
	}
	return t
}

// Translate renders rawErr as a two-part user message: a friendly explanation
// chosen by the first matching rule, then "Technical details:" with the raw
// engine text. availableColumns, when provided, enriches column-not-found
// translations.
func (t *Translator) Translate(rawErr string, availableColumns []string) string {
	raw := strings.TrimSpace(rawErr)
	lower := strings.ToLower(raw)
	for _, r := range t.rules {
		for _, frag := range r.Contains {
			if !strings.Contains(lower, frag) {
				continue
			}
			friendly := r.Friendly
			if r.ColumnsHint && len(availableColumns) > 0 {
				friendly += " Available columns: " + strings.Join(availableColumns, ", ") + "."
			}
			return friendly + "\n\nTechnical details: " + raw
		}
	}
	return fallbackFriendly + "\n\nTechnical details: " + raw
}

// RuleCount reports how many rules are loaded; used by health reporting.
func (t *Translator) RuleCount() int { return len(t.rules) }
