package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrMalformedResponse = errors.New("malformed handler response")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is reports 401 and 403 as ErrUnauthorized; the handler answers a missing or
// stale anti-forgery token with one of the two.
func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthorized &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// HandlerError is a 2xx response whose body reports failure.
type HandlerError struct {
	Action  string
	Message string
}

func (e *HandlerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s rejected by handler", e.Action)
	}
	return fmt.Sprintf("%s rejected by handler: %s", e.Action, e.Message)
}

func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
