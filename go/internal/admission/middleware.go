package admission

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// Middleware is the admission gate in front of every mutating operation:
// credential verification plus the shared rate limiter.
type Middleware struct {
	verifier Verifier
	limiter  *RateLimiter
	admins   map[string]bool
}

// NewMiddleware wires the gate. adminAllowlist names the subjects allowed
// on administrative routes.
func NewMiddleware(verifier Verifier, limiter *RateLimiter, adminAllowlist []string) *Middleware {
	admins := make(map[string]bool, len(adminAllowlist))
	for _, s := range adminAllowlist {
		admins[s] = true
	}
	return &Middleware{verifier: verifier, limiter: limiter, admins: admins}
}

// AuthedHandler receives the verified subject along with the request.
type AuthedHandler func(w http.ResponseWriter, r *http.Request, subject string)

// RequireAuth verifies the bearer credential and rate-limits by subject
// before invoking next.
func (m *Middleware) RequireAuth(next AuthedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject, err := m.Authenticate(r)
		if err != nil {
			WriteAdmissionError(w, err)
			return
		}
		if err := m.limiter.Allow(subject); err != nil {
			WriteAdmissionError(w, err)
			return
		}
		next(w, r, subject)
	}
}

// RequireAdmin is RequireAuth plus the administrative allowlist.
func (m *Middleware) RequireAdmin(next AuthedHandler) http.HandlerFunc {
	return m.RequireAuth(func(w http.ResponseWriter, r *http.Request, subject string) {
		if !m.admins[subject] {
			WriteError(w, http.StatusForbidden, "auth/forbidden", "subject not on the admin allowlist")
			return
		}
		next(w, r, subject)
	})
}

// IsAdmin reports whether the subject is on the administrative allowlist.
func (m *Middleware) IsAdmin(subject string) bool {
	return m.admins[subject]
}

// RateLimitByAddr gates unauthenticated routes by origin address.
func (m *Middleware) RateLimitByAddr(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.limiter.Allow(clientAddr(r)); err != nil {
			WriteAdmissionError(w, err)
			return
		}
		next(w, r)
	}
}

// Authenticate extracts and verifies the bearer credential.
func (m *Middleware) Authenticate(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", ErrUnauthorized
	}
	return m.verifier.Verify(r.Context(), token)
}

// MaybeAuthenticate returns the verified subject, or "" when the request
// carries no credential. Used by read paths that only enrich the response
// for an identified caller.
func (m *Middleware) MaybeAuthenticate(r *http.Request) string {
	token := bearerToken(r)
	if token == "" {
		return ""
	}
	subject, err := m.verifier.Verify(r.Context(), token)
	if err != nil {
		log.Debug().Err(err).Msg("optional credential did not verify")
		return ""
	}
	return subject
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// errorBody is the structured error every endpoint returns.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes the structured {code, message} error body.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Code: code, Message: message}); err != nil {
		log.Error().Err(err).Msg("failed to encode error response")
	}
}

// WriteAdmissionError maps admission failures to their HTTP shape.
func WriteAdmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrThrottled):
		WriteError(w, http.StatusTooManyRequests, "throttled", "rate ceiling exceeded, retry later")
	case errors.Is(err, ErrInvalidToken):
		WriteError(w, http.StatusUnauthorized, "auth/invalid-token", "credential rejected")
	default:
		WriteError(w, http.StatusUnauthorized, "auth/unauthorized", "missing or unverifiable credential")
	}
}
