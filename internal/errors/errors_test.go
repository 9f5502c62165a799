package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_HTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected int
	}{
		{"validation maps to 400", ValidationError("bad room id"), http.StatusBadRequest},
		{"not found maps to 404", NotFoundError("log not found"), http.StatusNotFound},
		{"room unavailable maps to 502", RoomUnavailableError(42, nil), http.StatusBadGateway},
		{"external maps to 502", ExternalError("avatar api failed", nil), http.StatusBadGateway},
		{"internal maps to 500", InternalError("boom", nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.HTTPStatus())
		})
	}
}

func TestError_SentinelMatching(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := RoomUnavailableError(12345, cause)

	assert.True(t, stderrors.Is(err, ErrRoomUnavailable))
	assert.ErrorIs(t, err, cause)
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying failure")
	err := InternalError("wrapper", cause)

	assert.Equal(t, cause, stderrors.Unwrap(err))
}

func TestError_ErrorString(t *testing.T) {
	withCause := InternalError("something broke", fmt.Errorf("root cause"))
	assert.Equal(t, "internal: something broke: root cause", withCause.Error())

	withoutCause := ValidationError("missing field")
	assert.Equal(t, "validation: missing field", withoutCause.Error())
}

func TestAsStructuredError(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, AsStructuredError(nil))
	})

	t.Run("structured error passes through", func(t *testing.T) {
		original := NotFoundError("gone")
		assert.Same(t, original, AsStructuredError(original))
	})

	t.Run("plain error becomes internal", func(t *testing.T) {
		plain := fmt.Errorf("plain failure")
		structured := AsStructuredError(plain)
		require.NotNil(t, structured)
		assert.Equal(t, TypeInternal, structured.Type)
		assert.ErrorIs(t, structured, plain)
	})
}

func TestError_WithContext(t *testing.T) {
	err := ValidationError("bad input").WithContext("field", "roomId")
	assert.Equal(t, "roomId", err.Context["field"])

	resp := err.ToResponse()
	assert.Equal(t, "bad input", resp.Error)
	assert.Equal(t, TypeValidation, resp.Type)
	assert.Equal(t, "roomId", resp.Context["field"])
}
