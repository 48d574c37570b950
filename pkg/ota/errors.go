package ota

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrUpdateInProgress  = errors.New("update already in progress")
	ErrNotInProgress     = errors.New("no update in progress")
	ErrMalformedResponse = errors.New("malformed server response")
	ErrCancelled         = errors.New("download cancelled")
	ErrDigestMismatch    = errors.New("MD5 mismatch")
	ErrNoUpdatePartition = errors.New("no update partition found")
)

// ServerError is an error envelope returned by the update server.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// HTTPStatusError is returned when the server answers with a non-2xx status.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.StatusCode)
}

// IsServerError reports whether err carries a server error envelope.
func IsServerError(err error) (*ServerError, bool) {
	var se *ServerError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ServerReached reports whether err, returned by an exchange with the
// update server, still proves the server answered.
func ServerReached(err error) bool {
	if err == nil {
		return true
	}
	var se *ServerError
	var he *HTTPStatusError
	return errors.As(err, &se) || errors.As(err, &he) || errors.Is(err, ErrMalformedResponse)
}
