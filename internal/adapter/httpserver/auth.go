package httpserver

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const sessionCookieName = "analyst_session"

// principal is the authenticated caller attached to the request context by
// RequireSession. Token is kept so logout can destroy the session it rode
// in on.
type principal struct {
	UserID string
	Token  string
}

type principalKey struct{}

func principalFrom(r *http.Request) (principal, bool) {
	p, ok := r.Context().Value(principalKey{}).(principal)
	return p, ok
}

// sessionToken pulls the bearer token from the Authorization header, falling
// back to the session cookie for browser clients.
func sessionToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if c, err := r.Cookie(sessionCookieName); err == nil {
		return c.Value
	}
	return ""
}

// RequireSession validates the caller's session and stores the principal in
// the request context. Missing, unknown and expired tokens all answer 401.
func (s *Server) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		userID, err := s.Auth.ValidateSession(r.Context(), token)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal{UserID: userID, Token: token})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// allowAttempt consumes one brute-force token for action. On denial it
// answers 429 with Retry-After and reports false.
func (s *Server) allowAttempt(w http.ResponseWriter, r *http.Request, action string) bool {
	ok, retryAfter := s.Attempts.Allow(r.Context(), action, clientIP(r))
	if ok {
		return true
	}
	secs := int64(math.Ceil(retryAfter.Seconds()))
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeJSON(w, http.StatusTooManyRequests, errorEnvelope{Error: apiError{
		Code:    "rate_limited",
		Message: "too many attempts",
		Details: map[string]any{"retry_after_seconds": secs},
	}})
	return false
}

// RegisterHandler creates an account from a pre-verified external identity
// and a one-shot referral key.
func (s *Server) RegisterHandler() http.HandlerFunc {
	type registerReq struct {
		ExternalID  string `json:"external_id" validate:"required,max=255"`
		Email       string `json:"email" validate:"required,email,max=320"`
		Name        string `json:"name" validate:"required,max=200"`
		ReferralKey string `json:"referral_key" validate:"max=512"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allowAttempt(w, r, "register") {
			return
		}
		var req registerReq
		if details, err := decodeValid(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		u, err := s.Auth.Register(r.Context(), req.ExternalID, req.Email, req.Name, req.ReferralKey)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"user": toUserDTO(u)})
	}
}

// LoginHandler issues a session token for an existing account. The token is
// returned in the body for API clients and set as a cookie for browsers.
func (s *Server) LoginHandler() http.HandlerFunc {
	type loginReq struct {
		ExternalID string `json:"external_id" validate:"required,max=255"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allowAttempt(w, r, "login") {
			return
		}
		var req loginReq
		if details, err := decodeValid(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		u, token, err := s.Auth.Login(r.Context(), req.ExternalID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		s.setSessionCookie(w, token)
		writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": toUserDTO(u)})
	}
}

// LogoutHandler destroys the caller's session. Repeated logouts are fine.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(r)
		if ok {
			if err := s.Auth.Logout(r.Context(), p.Token); err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		s.clearSessionCookie(w)
		w.WriteHeader(http.StatusNoContent)
	}
}

// MeHandler returns the authenticated principal.
func (s *Server) MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r)
		u, err := s.Auth.User(r.Context(), p.UserID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": toUserDTO(u)})
	}
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   !s.Cfg.IsDev(),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.Cfg.SessionDuration() / time.Second),
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   !s.Cfg.IsDev(),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
