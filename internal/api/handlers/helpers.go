// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/backend"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondJSON sends a JSON response
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// RespondError sends an error response
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}

// StatusForError maps the backend error taxonomy onto HTTP statuses.
func StatusForError(err error) int {
	switch {
	case backend.IsAuthentication(err):
		return http.StatusUnauthorized
	case backend.IsNotFound(err):
		return http.StatusNotFound
	case backend.IsRateLimit(err):
		return http.StatusTooManyRequests
	case backend.IsNetwork(err):
		return http.StatusBadGateway
	case backend.IsNotSupported(err):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// RespondBackendError writes err with the status of its taxonomy class.
// Rate limited responses carry the backend's Retry-After.
func RespondBackendError(w http.ResponseWriter, err error, message string) {
	var rl *backend.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	}

	status := StatusForError(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg(message)
	}

	RespondError(w, status, message+": "+err.Error())
}

func accountIDParam(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "accountID"))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
