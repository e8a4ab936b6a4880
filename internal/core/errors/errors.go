package errors

import (
	"errors"
	"fmt"
)

// Relay errors
var (
	// Upstream decoding
	ErrEmptyChannel   = errors.New("notification has no channel")
	ErrInvalidPayload = errors.New("notification payload is not valid JSON")

	// Upstream connection
	ErrSourceClosed      = errors.New("change source connection closed")
	ErrNoChannels        = errors.New("no channels to subscribe to")
	ErrAlreadySubscribed = errors.New("change source already subscribed")

	// Relay lifecycle
	ErrRelayNotRunning = errors.New("relay is not running")
	ErrRelayStarted    = errors.New("relay already started")

	// Sessions
	ErrSessionClosed = errors.New("session closed")

	// Accept path
	ErrUnauthorized = errors.New("unauthorized")

	// Generic
	ErrBadRequest = errors.New("bad request")
)

// DecodeError reports a notification that could not be turned into a
// ChangeEvent. It is recoverable: the listener drops the notification.
type DecodeError struct {
	Channel string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode notification on channel %q: %v", e.Channel, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// AppError wraps errors with additional context for HTTP responses
type AppError struct {
	Err        error  // The underlying error
	Message    string // User-friendly message
	Code       string // Machine-readable error code
	StatusCode int    // HTTP status code
	Details    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		StatusCode: 401,
	}
}

func NewUnavailableError(err error, message string) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "SERVICE_UNAVAILABLE",
		StatusCode: 503,
	}
}
