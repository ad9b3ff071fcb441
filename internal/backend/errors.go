package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrBindRejected wraps 4xx answers to the bind call
	ErrBindRejected = errors.New("bind rejected")

	// ErrRequestRejected wraps 4xx answers to every other call
	ErrRequestRejected = errors.New("request rejected")

	// ErrNetworkUnavailable covers transport failures, 5xx and an open circuit breaker
	ErrNetworkUnavailable = errors.New("network unavailable")

	ErrUnauthorized = errors.New("not authenticated")
)

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	// Message is the server supplied message, verbatim
	Message string
	kind    error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%v: HTTP %d", e.kind, e.StatusCode)
	}
	return fmt.Sprintf("%v: HTTP %d: %s", e.kind, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.kind
}

// ServerMessage returns the message to show the user verbatim, if the server sent one.
func ServerMessage(err error) (string, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message, true
	}
	return "", false
}

// errorBody matches the NestJS error envelope; message is a string or a list of strings.
type errorBody struct {
	Message json.RawMessage `json:"message"`
	Error   string          `json:"error"`
}

func newAPIError(status int, body []byte, kind error) *APIError {
	if status >= http.StatusInternalServerError {
		kind = ErrNetworkUnavailable
	} else if status == http.StatusUnauthorized {
		kind = fmt.Errorf("%w: %w", kind, ErrUnauthorized)
	}
	return &APIError{StatusCode: status, Message: parseMessage(body), kind: kind}
}

func parseMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}
	if len(eb.Message) > 0 {
		var s string
		if err := json.Unmarshal(eb.Message, &s); err == nil {
			return s
		}
		var list []string
		if err := json.Unmarshal(eb.Message, &list); err == nil {
			return strings.Join(list, "; ")
		}
	}
	return eb.Error
}
