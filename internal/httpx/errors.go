package httpx

import (
	"fmt"
	"strings"
)

// StatusError is a non-success response from a vendor API. It is never
// retried by the client.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d status code", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// NewStatusError builds a StatusError from a response, using at most the
// first 512 bytes of the body as the message.
func NewStatusError(resp *Response) *StatusError {
	msg := strings.TrimSpace(string(resp.Body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}

// TransportError is a connection-level failure that persisted through every
// retry attempt.
type TransportError struct {
	Method   string
	URL      string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempts: %v", e.Method, e.URL, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
