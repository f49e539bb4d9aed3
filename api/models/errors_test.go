package models

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/alex-pricope/ranked-polls/auth"
	"github.com/alex-pricope/ranked-polls/polls"
	"github.com/alex-pricope/ranked-polls/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestTransformErrorToResponse(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"Not found", errors.Wrap(polls.ErrNotFound, "join poll"), http.StatusNotFound, "not_found"},
		{"Forbidden", errors.Wrap(polls.ErrForbidden, "start"), http.StatusForbidden, "forbidden"},
		{"Invalid state", errors.Wrap(polls.ErrInvalidState, "start"), http.StatusConflict, "invalid_state"},
		{"Invalid argument", errors.Wrap(polls.ErrInvalidArgument, "topic"), http.StatusBadRequest, "bad_request"},
		{"Unavailable", errors.Wrap(fmt.Errorf("%w: timeout", storage.ErrUnavailable), "get poll"), http.StatusServiceUnavailable, "unavailable"},
		{"Invalid credential", fmt.Errorf("%w: expired", auth.ErrInvalidCredential), http.StatusUnauthorized, "unauthorized"},
		{"Unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := TransformErrorToResponse(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}

	t.Run("Storage details are hidden", func(t *testing.T) {
		_, body := TransformErrorToResponse(fmt.Errorf("%w: dial tcp 10.0.0.1:6379", storage.ErrUnavailable))
		assert.NotContains(t, body.Message, "10.0.0.1")
	})
}
