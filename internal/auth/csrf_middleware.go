// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/tomtom215/sauvegarde/internal/config"
)

// CSRF protection errors
var (
	// ErrCSRFTokenMissing indicates no CSRF token was provided.
	ErrCSRFTokenMissing = errors.New("CSRF token missing")

	// ErrCSRFTokenInvalid indicates the header token does not match the cookie.
	ErrCSRFTokenInvalid = errors.New("CSRF token invalid")
)

// CSRFConfig holds configuration for CSRF protection middleware.
type CSRFConfig struct {
	// CookieName is the cookie the host application issues (default: "csrftoken").
	CookieName string

	// HeaderName is the header the client echoes the cookie in (default: "X-CSRFToken").
	HeaderName string

	// ExemptMethods don't require a token.
	// Default: GET, HEAD, OPTIONS, TRACE (safe methods per RFC 7231).
	ExemptMethods []string

	// ExemptPaths are path prefixes that skip the check.
	ExemptPaths []string

	// ErrorHandler renders a failure. If nil, returns 403 with a JSON body.
	ErrorHandler ErrorHandler
}

// CSRFConfigFromSecurity maps the security section onto a CSRFConfig.
func CSRFConfigFromSecurity(cfg *config.SecurityConfig, onError ErrorHandler) *CSRFConfig {
	return &CSRFConfig{
		CookieName:   cfg.CSRFCookie,
		HeaderName:   cfg.CSRFHeader,
		ErrorHandler: onError,
	}
}

// CSRFMiddleware checks the double-submit cookie pattern: every mutating
// request must carry a header whose value equals the CSRF cookie. Tokens
// are issued by the host application, so the check is stateless.
type CSRFMiddleware struct {
	config *CSRFConfig
}

// NewCSRFMiddleware creates a new CSRF protection middleware.
func NewCSRFMiddleware(cfg *CSRFConfig) *CSRFMiddleware {
	if cfg == nil {
		cfg = &CSRFConfig{}
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "csrftoken"
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = "X-CSRFToken"
	}
	if len(cfg.ExemptMethods) == 0 {
		cfg.ExemptMethods = []string{http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace}
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}
	return &CSRFMiddleware{config: cfg}
}

// Protect validates the token on state-changing requests.
func (m *CSRFMiddleware) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.isExemptMethod(r.Method) || m.isExemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if err := m.validateToken(r); err != nil {
			m.config.ErrorHandler(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *CSRFMiddleware) validateToken(r *http.Request) error {
	cookie, err := r.Cookie(m.config.CookieName)
	if err != nil || cookie.Value == "" {
		return ErrCSRFTokenMissing
	}
	header := r.Header.Get(m.config.HeaderName)
	if header == "" {
		return ErrCSRFTokenMissing
	}
	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
		return ErrCSRFTokenInvalid
	}
	return nil
}

func (m *CSRFMiddleware) isExemptPath(path string) bool {
	for _, exempt := range m.config.ExemptPaths {
		if strings.HasPrefix(path, exempt) {
			return true
		}
	}
	return false
}

func (m *CSRFMiddleware) isExemptMethod(method string) bool {
	for _, exempt := range m.config.ExemptMethods {
		if strings.EqualFold(method, exempt) {
			return true
		}
	}
	return false
}
