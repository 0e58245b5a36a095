// Package push fans server events out to connected WebSocket peers, with an
// optional broker relay so peers on other instances receive them too.
package push

import (
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// CloseInvalidToken is the close code sent when the connection's auth token
// is missing, expired or malformed.
const CloseInvalidToken = 4001

// MarshalEvent serializes an event with its type discriminator spliced into
// the payload object, so every wire message reads {"type":"...", ...fields}.
func MarshalEvent(ev domain.PushEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("op=push.MarshalEvent: %w", err)
	}
	if len(payload) < 2 || payload[0] != '{' {
		return nil, fmt.Errorf("op=push.MarshalEvent: event %q is not an object", ev.EventType())
	}
	head := `{"type":` + quoteString(ev.EventType())
	if len(payload) == 2 {
		return []byte(head + "}"), nil
	}
	out := make([]byte, 0, len(head)+1+len(payload)-1)
	out = append(out, head...)
	out = append(out, ',')
	out = append(out, payload[1:]...)
	return out, nil
}

func quoteString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
