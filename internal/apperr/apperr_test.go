package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWalksWrappedChains(t *testing.T) {
	base := New(CodeDuplicateRequest, "already open")
	wrapped := fmt.Errorf("create request: %w", base)

	assert.Equal(t, CodeDuplicateRequest, CodeOf(wrapped))
	assert.True(t, IsCode(wrapped, CodeDuplicateRequest))
	assert.False(t, IsCode(wrapped, CodeNotFound))

	// Uncoded errors classify as internal.
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, CodeDownstreamUnavailable, "identity service")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeDownstreamUnavailable, CodeOf(err))
	assert.Nil(t, Wrap(nil, CodeInternal, "nothing"))
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code   Code
		status int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeInvalidDelegation, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeInvalidState, http.StatusConflict},
		{CodeAlreadyDecided, http.StatusConflict},
		{CodeConcurrentModification, http.StatusConflict},
		{CodeDuplicateRequest, http.StatusConflict},
		{CodeUnauthorizedDecision, http.StatusForbidden},
		{CodeUnauthenticated, http.StatusUnauthorized},
		{CodeDownstreamUnavailable, http.StatusServiceUnavailable},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.status, HTTPStatus(tc.code), string(tc.code))
	}
}
