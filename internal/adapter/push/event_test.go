package push

import (
	"encoding/json"
	"testing"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

func TestMarshalEvent(t *testing.T) {
	tests := []struct {
		name  string
		event domain.PushEvent
		check func(t *testing.T, m map[string]any)
	}{
		{
			name:  "ping has only its type",
			event: domain.PingEvent{},
			check: func(t *testing.T, m map[string]any) {
				if len(m) != 1 {
					t.Errorf("fields = %v, want only type", m)
				}
			},
		},
		{
			name:  "chat token keeps payload fields",
			event: domain.ChatTokenEvent{Token: "hel", MessageID: "m1"},
			check: func(t *testing.T, m map[string]any) {
				if m["token"] != "hel" || m["message_id"] != "m1" {
					t.Errorf("payload = %v", m)
				}
			},
		},
		{
			name:  "chat error",
			event: domain.ChatErrorEvent{Error: "boom", Details: "stack"},
			check: func(t *testing.T, m map[string]any) {
				if m["error"] != "boom" {
					t.Errorf("payload = %v", m)
				}
			},
		},
		{
			name:  "rate limit warning carries numbers",
			event: domain.RateLimitWarningEvent{UsagePercent: 85.5, RemainingTokens: 1000},
			check: func(t *testing.T, m map[string]any) {
				if m["usage_percent"] != 85.5 {
					t.Errorf("payload = %v", m)
				}
			},
		},
		{
			name:  "title update is a bare notification",
			event: domain.ConversationTitleUpdatedEvent{},
			check: func(t *testing.T, m map[string]any) {
				if len(m) != 1 {
					t.Errorf("fields = %v, want only type", m)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := MarshalEvent(tt.event)
			if err != nil {
				t.Fatalf("MarshalEvent: %v", err)
			}
			if !json.Valid(raw) {
				t.Fatalf("invalid json: %s", raw)
			}
			var m map[string]any
			if err := json.Unmarshal(raw, &m); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if m["type"] != tt.event.EventType() {
				t.Errorf("type = %v, want %s", m["type"], tt.event.EventType())
			}
			tt.check(t, m)
		})
	}
}
