package polls

import (
	"github.com/alex-pricope/ranked-polls/auth"
	"github.com/alex-pricope/ranked-polls/storage"
	"github.com/pkg/errors"
)

var (
	ErrNotFound        = storage.ErrPollNotFound
	ErrForbidden       = errors.New("action not allowed for this participant")
	ErrInvalidState    = errors.New("action not allowed in the current poll state")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Codes shared by the REST and websocket surfaces.
const (
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeInvalidState = "invalid_state"
	CodeBadRequest   = "bad_request"
	CodeUnavailable  = "unavailable"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal"
)

// Code classifies err into one of the codes above.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrInvalidArgument):
		return CodeBadRequest
	case errors.Is(err, auth.ErrInvalidCredential):
		return CodeUnauthorized
	case errors.Is(err, storage.ErrUnavailable):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// Message is the text shown to a client for err. Storage and internal failures are not detailed.
func Message(err error) string {
	switch Code(err) {
	case CodeUnavailable:
		return "storage is unavailable, try again"
	case CodeInternal:
		return "internal error"
	default:
		return err.Error()
	}
}
