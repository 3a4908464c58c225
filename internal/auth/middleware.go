// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tomtom215/sauvegarde/internal/config"
	"github.com/tomtom215/sauvegarde/internal/logging"
)

// Auth modes accepted by NewMiddleware.
const (
	ModeJWT  = "jwt"
	ModeNone = "none"
)

var (
	// ErrUnauthenticated means no valid session accompanied the request.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrPermissionDenied means the session is valid but its role may not
	// operate the backup engine.
	ErrPermissionDenied = errors.New("permission denied")
)

// Subject is the authenticated caller.
type Subject struct {
	Username string
	Role     string
}

type subjectKey struct{}

// ContextWithSubject attaches a subject to ctx.
func ContextWithSubject(ctx context.Context, s *Subject) context.Context {
	return context.WithValue(ctx, subjectKey{}, s)
}

// SubjectFromContext returns the subject set by Authenticate.
func SubjectFromContext(ctx context.Context) (*Subject, bool) {
	s, ok := ctx.Value(subjectKey{}).(*Subject)
	return s, ok && s != nil
}

// ErrorHandler renders an authentication or CSRF failure.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// Middleware checks the session cookie (or a Bearer token) on every
// request and requires one of the admin roles.
type Middleware struct {
	mode       string
	jwt        *JWTManager
	cookie     string
	adminRoles map[string]struct{}
	onError    ErrorHandler
}

// NewMiddleware builds the session check from the security configuration.
// onError renders failures; nil falls back to a bare JSON body.
func NewMiddleware(cfg *config.SecurityConfig, onError ErrorHandler) (*Middleware, error) {
	m := &Middleware{
		mode:       cfg.AuthMode,
		cookie:     cfg.SessionCookie,
		adminRoles: make(map[string]struct{}, len(cfg.AdminRoles)),
		onError:    onError,
	}
	if m.onError == nil {
		m.onError = defaultErrorHandler
	}
	for _, role := range cfg.AdminRoles {
		m.adminRoles[strings.ToLower(role)] = struct{}{}
	}

	switch cfg.AuthMode {
	case ModeNone:
		logging.Warn().Msg("Authentication disabled (AUTH_MODE=none)")
	case ModeJWT:
		jm, err := NewJWTManager(cfg)
		if err != nil {
			return nil, err
		}
		m.jwt = jm
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
	return m, nil
}

// Authenticate rejects requests without a valid admin session. With
// AUTH_MODE=none every request runs as an anonymous administrator.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.mode == ModeNone {
			ctx := ContextWithSubject(r.Context(), &Subject{Username: "anonymous", Role: "admin"})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token := m.token(r)
		if token == "" {
			m.onError(w, r, ErrUnauthenticated)
			return
		}
		claims, err := m.jwt.ValidateToken(token)
		if err != nil {
			logging.Ctx(r.Context()).Debug().Err(err).Msg("Session rejected")
			m.onError(w, r, fmt.Errorf("%w: %w", ErrUnauthenticated, err))
			return
		}
		if !m.allowed(claims.Role) {
			logging.Ctx(r.Context()).Warn().Str("username", claims.Username).Str("role", claims.Role).
				Msg("Backup API access denied")
			m.onError(w, r, ErrPermissionDenied)
			return
		}

		username := claims.Username
		if username == "" {
			username = claims.Subject
		}
		ctx := ContextWithSubject(r.Context(), &Subject{Username: username, Role: claims.Role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// token reads the session cookie, then the Authorization header.
func (m *Middleware) token(r *http.Request) string {
	if c, err := r.Cookie(m.cookie); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (m *Middleware) allowed(role string) bool {
	if len(m.adminRoles) == 0 {
		return true
	}
	_, ok := m.adminRoles[strings.ToLower(role)]
	return ok
}

func defaultErrorHandler(w http.ResponseWriter, _ *http.Request, err error) {
	status := http.StatusUnauthorized
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrCSRFTokenMissing) || errors.Is(err, ErrCSRFTokenInvalid) {
		status = http.StatusForbidden
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // error response
	w.Write([]byte(`{"error":"` + http.StatusText(status) + `"}`))
}
