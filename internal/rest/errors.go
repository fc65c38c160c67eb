package rest

import (
	"errors"
	"fmt"
)

// Error codes returned by the Bitrix24 REST API that the client reacts to.
const (
	ErrCodeQueryLimitExceeded = "QUERY_LIMIT_EXCEEDED"
	ErrCodeNoAuthFound        = "NO_AUTH_FOUND"
	ErrCodeExpiredToken       = "expired_token"
	ErrCodeInvalidToken       = "invalid_token"
)

var (
	// ErrNotInstalled is returned by Portal when no credentials are stored for its member id.
	ErrNotInstalled = errors.New("need install app")

	// ErrNoEndpoint is returned when neither an inbound webhook nor a credential endpoint is set.
	ErrNoEndpoint = errors.New("no REST endpoint configured")
)

// isAuthError reports whether code means the access token must be refreshed.
func isAuthError(code string) bool {
	switch code {
	case ErrCodeNoAuthFound, ErrCodeExpiredToken, ErrCodeInvalidToken:
		return true
	}
	return false
}

// TransportError reports a request that produced no response: a timeout or a
// connection failure that survived the HTTP fallback.
type TransportError struct {
	URI     string
	Timeout bool
	// Connect is set when no connection was established, including connect timeouts.
	Connect bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("timeout waiting expired: %s", e.URI)
	}
	return fmt.Sprintf("could not connect to bx24 resource %s: %v", e.URI, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a response body that is not a JSON API envelope.
type ProtocolError struct {
	URI        string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("invalid response from %s (status %d): %v", e.URI, e.StatusCode, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// APIError is an error reported by the REST API itself, returned verbatim.
type APIError struct {
	Code        string
	Description string
	StatusCode  int
}

func (e *APIError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("bitrix24 api error %s", e.Code)
	}
	return fmt.Sprintf("bitrix24 api error %s: %s", e.Code, e.Description)
}

// RateLimitError is returned when a bounded retry policy gives up on QUERY_LIMIT_EXCEEDED.
type RateLimitError struct {
	Attempts int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("query limit still exceeded after %d attempts", e.Attempts)
}
