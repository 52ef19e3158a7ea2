package protocol

import "fmt"

// Error codes carried in "error" frames.
const (
	CodeAuthFailure         = "AuthFailure"
	CodeRateLimitExceeded   = "RateLimitExceeded"
	CodeSessionNotFound     = "SessionNotFound"
	CodeNotAuthorized       = "NotAuthorized"
	CodeProcessSpawnFailure = "ProcessSpawnFailure"
	CodeBadRequest          = "BadRequest"
)

// Error is the payload of an "error" frame.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Errorf builds an *Error with a formatted message.
func Errorf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Is matches any *Error with the same code, so callers can test with
// errors.Is(err, &protocol.Error{Code: protocol.CodeSessionNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}
