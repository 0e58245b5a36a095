package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/push"
	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// originChecker builds the upgrader's origin policy from the configured CORS
// origin list. Non-browser clients send no Origin header and always pass.
func originChecker(allowed string) func(*http.Request) bool {
	allowAll := strings.TrimSpace(allowed) == "" || strings.TrimSpace(allowed) == "*"
	var origins []string
	for _, o := range strings.Split(allowed, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, strings.ToLower(o))
		}
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(r.Header.Get("Origin"))
		if origin == "" || allowAll {
			return true
		}
		for _, o := range origins {
			if origin == o {
				return true
			}
		}
		return false
	}
}

// WSHandler upgrades the connection and attaches it to the push registry.
// The session token rides the query string because browsers cannot set
// headers on websocket dials; a bad token closes with 4001 before the peer
// is ever registered.
func (s *Server) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			return
		}
		userID, err := s.Auth.ValidateSession(r.Context(), r.URL.Query().Get("token"))
		if err != nil {
			msg := websocket.FormatCloseMessage(push.CloseInvalidToken, "invalid session")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}
		peer := s.Push.Attach(userID, conn, func(raw []byte) { s.handleInbound(userID, raw) })
		// Greet the new peer so the client sees liveness before the first
		// interval ping. A peer that died between attach and here is already
		// being pruned by its pumps.
		_ = s.Push.SendToPeer(peer, domain.PingEvent{})
	}
}

// handleInbound honors stop_generation frames from an attached peer. Every
// other inbound frame is ignored.
func (s *Server) handleInbound(userID string, raw []byte) {
	var msg struct {
		Type           string `json:"type"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Type != "stop_generation" || msg.ConversationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Conversations.Get(ctx, userID, msg.ConversationID); err != nil {
		return
	}
	s.Chat.StopGeneration(msg.ConversationID)
}
