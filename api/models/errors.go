package models

import (
	"net/http"

	"github.com/alex-pricope/ranked-polls/polls"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var statusByCode = map[string]int{
	polls.CodeNotFound:     http.StatusNotFound,
	polls.CodeForbidden:    http.StatusForbidden,
	polls.CodeInvalidState: http.StatusConflict,
	polls.CodeBadRequest:   http.StatusBadRequest,
	polls.CodeUnavailable:  http.StatusServiceUnavailable,
	polls.CodeUnauthorized: http.StatusUnauthorized,
}

// TransformErrorToResponse returns the HTTP status and body for err.
func TransformErrorToResponse(err error) (int, *ErrorResponse) {
	code := polls.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return status, &ErrorResponse{Code: code, Message: polls.Message(err)}
}

func NewBadRequest(message string) *ErrorResponse {
	return &ErrorResponse{Code: polls.CodeBadRequest, Message: message}
}
