// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package relyingparty

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "state mismatch", err: ErrStateMismatch, wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "missing code", err: ErrMissingCode, wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{
			name:       "callback error",
			err:        &CallbackError{Code: "access_denied"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "access_denied",
		},
		{
			name:       "upstream",
			err:        &UpstreamError{Op: OpUserInfo, StatusCode: http.StatusUnauthorized, Code: "invalid_token"},
			wantStatus: http.StatusBadGateway,
			wantCode:   "upstream_error",
		},
		{name: "not logged in", err: ErrNotLoggedIn, wantStatus: http.StatusUnauthorized, wantCode: "not_logged_in"},
		{name: "other", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: "server_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			writeError(rec, tt.err)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error":"`+tt.wantCode+`"`)
		})
	}
}

func TestServer_Endpoints(t *testing.T) {
	t.Parallel()

	f := newFakeIssuer(t)
	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.Issuer = f.srv.URL
	cfg.Session.Type = SessionTypeRedis
	cfg.Session.Redis.Addr = mr.Addr()

	srv, err := NewServer(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	h := srv.Handler()

	serve := func(path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		for _, c := range cookies {
			req.AddCookie(c)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, serve("/health").Code)
	assert.Equal(t, http.StatusUnauthorized, serve("/me").Code)
	assert.Equal(t, http.StatusBadRequest, serve("/callback?code=x&state=y").Code)

	rec := serve("/auth/oauth")
	require.Equal(t, http.StatusFound, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.Len(t, mr.Keys(), 1, "PKCE context lives in redis")

	// Same session id on a restart of the login.
	rec = serve("/auth/oauth", cookies[0])
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Len(t, mr.Keys(), 1)

	mr.Close()
	assert.Equal(t, http.StatusServiceUnavailable, serve("/health").Code)
}
