package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, ErrCodeInternal, "administrator check failed")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCodeInternal, Code(err))
	assert.Equal(t, "administrator check failed", Message(err))
	assert.Contains(t, err.Error(), "connection refused")

	assert.Nil(t, Wrap(nil, ErrCodeInternal, "ignored"))
}

func TestCodeOnWrappedChain(t *testing.T) {
	inner := NotFound("approval_request", "req-1")
	outer := fmt.Errorf("sweep: %w", inner)

	assert.Equal(t, ErrCodeNotFound, Code(outer))
	assert.True(t, IsCode(outer, ErrCodeNotFound))
	assert.False(t, IsCode(nil, ErrCodeNotFound))
}

func TestUncodedErrorsDefaultToInternal(t *testing.T) {
	err := errors.New("plain")
	assert.Equal(t, ErrCodeInternal, Code(err))
	assert.Equal(t, "plain", Message(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[string]int{
		ErrCodeInvalidInput: http.StatusBadRequest,
		ErrCodeNotFound:     http.StatusNotFound,
		ErrCodeConflict:     http.StatusConflict,
		ErrCodeUnauthorized: http.StatusForbidden,
		ErrCodeUnresolvable: http.StatusUnprocessableEntity,
		ErrCodeInternal:     http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(New(code, "x")), code)
	}
}
