// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
Package auth verifies the sessions and CSRF tokens that guard /api/backup/*.

Sessions and CSRF tokens are issued by the host application. This package
only checks them:

  - JWTManager: HS256 token validation (GenerateToken for tooling and tests)
  - Middleware: reads the session cookie or a Bearer token, requires one of
    the configured admin roles and stores the Subject in the request context
  - CSRFMiddleware: double-submit check, the header must equal the cookie on
    every mutating request

Failures are handed to an ErrorHandler so the API renders them in its own
error format. Unauthenticated requests and permission failures are
reported with distinct errors (ErrUnauthenticated, ErrPermissionDenied).

Usage Example:

	authMW, err := auth.NewMiddleware(&cfg.Security, api.WriteAuthError)
	if err != nil {
	    return err
	}
	csrf := auth.NewCSRFMiddleware(auth.CSRFConfigFromSecurity(&cfg.Security, api.WriteAuthError))

	r.Use(authMW.Authenticate)
	r.Use(csrf.Protect)

Configuration (environment):

	AUTH_MODE=jwt            # or none for local development
	JWT_SECRET=...           # at least 32 characters
	SESSION_COOKIE=sessionid
	ADMIN_ROLES=admin,superuser
	CSRF_COOKIE=csrftoken
	CSRF_HEADER=X-CSRFToken
*/
package auth
