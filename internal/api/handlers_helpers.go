// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/sauvegarde/internal/validation"
)

// maxJSONBody bounds JSON request bodies. Archives travel as multipart.
const maxJSONBody = 1 << 20

// msgInvalidBody is returned for bodies that are not a JSON object.
const msgInvalidBody = "Corps de requête invalide"

// sanitizeLogValue removes control characters from strings to prevent log injection attacks.
func sanitizeLogValue(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			result.WriteString(fmt.Sprintf("\\x%02x", r))
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// decodeJSON reads a JSON object into dst. An empty body leaves dst
// untouched. Type mismatches (a string where a boolean is expected)
// become field validation errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return badRequest(msgInvalidBody, err)
		}
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return validation.NewFieldError(typeErr.Field, "type",
				fmt.Sprintf("Valeur invalide pour le champ %s", typeErr.Field))
		}
		return badRequest(msgInvalidBody, err)
	}
	return nil
}

// getIntParam extracts an integer query parameter with a default value.
func getIntParam(r *http.Request, name string, defaultValue int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, validation.NewFieldError(name, "numeric",
			fmt.Sprintf("Le paramètre %s doit être un entier", name))
	}
	return v, nil
}

// pageParams reads page and limit.
func pageParams(r *http.Request) (page, limit int, err error) {
	if page, err = getIntParam(r, "page", 1); err != nil {
		return 0, 0, err
	}
	if limit, err = getIntParam(r, "limit", 0); err != nil {
		return 0, 0, err
	}
	return page, limit, nil
}

// idParam returns the {id} path segment.
func idParam(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// formBool parses an optional multipart boolean. Only true/false are
// accepted, mirroring the JSON rule.
func formBool(r *http.Request, name string) (bool, error) {
	switch v := r.FormValue(name); v {
	case "":
		return false, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, validation.NewFieldError(name, "boolean",
			fmt.Sprintf("Le champ %s doit valoir true ou false", name))
	}
}
