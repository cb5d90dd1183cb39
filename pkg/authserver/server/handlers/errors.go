// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ory/fosite"
	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/authgate/pkg/logger"
)

// errorResponse is the RFC 6749 section 5.2 error body.
type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

const serverErrorDescription = "The authorization server encountered an unexpected condition that prevented it from fulfilling the request."

// writeError writes err as a JSON error body. RFC 6749 errors keep their
// own status and code; other errors take their httperr status, and anything
// at or above 500 is reported as server_error without detail.
func writeError(w http.ResponseWriter, err error) {
	var rfcErr *fosite.RFC6749Error
	if errors.As(err, &rfcErr) {
		writeOAuthError(w, rfcErr)
		return
	}

	code := httperr.Code(err)
	if code == 0 || code >= http.StatusInternalServerError {
		code = http.StatusInternalServerError
		logger.Errorw("request failed", "error", err)
		writeJSON(w, code, errorResponse{
			Error:       fosite.ErrServerError.ErrorField,
			Description: serverErrorDescription,
		})
		return
	}
	logger.Debugw("request rejected", "status", code, "error", err)
	writeJSON(w, code, errorResponse{
		Error:       strings.ReplaceAll(strings.ToLower(http.StatusText(code)), " ", "_"),
		Description: err.Error(),
	})
}

// writeTokenError writes err for the token, revocation and introspection
// endpoints, where every failure must carry an RFC 6749 error code.
func writeTokenError(w http.ResponseWriter, err error) {
	var rfcErr *fosite.RFC6749Error
	if errors.As(err, &rfcErr) {
		writeOAuthError(w, rfcErr)
		return
	}
	logger.Errorw("token request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error:       fosite.ErrServerError.ErrorField,
		Description: serverErrorDescription,
	})
}

func writeOAuthError(w http.ResponseWriter, rfcErr *fosite.RFC6749Error) {
	status := rfcErr.CodeField
	if status == 0 {
		status = http.StatusBadRequest
	}
	switch {
	case status == http.StatusUnauthorized && rfcErr.ErrorField == fosite.ErrInvalidClient.ErrorField:
		w.Header().Set("WWW-Authenticate", `Basic realm="authgate"`)
	case rfcErr.ErrorField == "invalid_token":
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	writeJSON(w, status, errorResponse{
		Error:       rfcErr.ErrorField,
		Description: rfcErr.GetDescription(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	// Headers are already written, so an encoding error can only be logged.
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to encode response", "error", err)
	}
}

// noStore marks a response as uncacheable (RFC 6749 section 5.1).
func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}
