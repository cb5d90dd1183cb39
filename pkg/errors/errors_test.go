// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with cause",
			err:  NewReplayError("authorization code reused", errors.New("already consumed")),
			want: "replay: authorization code reused: already consumed",
		},
		{
			name: "without cause",
			err:  NewProtocolError("redirect_uri mismatch", nil),
			want: "protocol: redirect_uri mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := NewStorageError("find code", cause)

	assert.Same(t, cause, err.Unwrap())
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, NewInternalError("x", nil).Unwrap())
}

func TestIsHelpers(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err   error
		check func(error) bool
	}{
		ErrProtocol: {NewProtocolError("m", nil), IsProtocol},
		ErrReplay:   {NewReplayError("m", nil), IsReplay},
		ErrStorage:  {NewStorageError("m", nil), IsStorage},
		ErrUpstream: {NewUpstreamError("m", nil), IsUpstream},
		ErrInternal: {NewInternalError("m", nil), IsInternal},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.True(t, tc.check(tc.err))
			assert.True(t, tc.check(fmt.Errorf("wrapped: %w", tc.err)), "helpers must see through wrapping")
			for other, oc := range cases {
				if other != name {
					assert.False(t, oc.check(tc.err), "%s matched %s", other, name)
				}
			}
		})
	}

	assert.False(t, IsStorage(errors.New("plain")))
	assert.False(t, IsStorage(nil))
}

func TestError_StatusCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusBadRequest, NewProtocolError("m", nil).StatusCode())
	assert.Equal(t, http.StatusBadRequest, NewReplayError("m", nil).StatusCode())
	assert.Equal(t, http.StatusBadGateway, NewUpstreamError("m", nil).StatusCode())
	assert.Equal(t, http.StatusInternalServerError, NewStorageError("m", nil).StatusCode())
	assert.Equal(t, http.StatusInternalServerError, NewInternalError("m", nil).StatusCode())
}
