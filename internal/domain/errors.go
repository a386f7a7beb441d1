package domain

import "errors"

type ErrorCode string

const (
	ErrorCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrorCodeMissingToken   ErrorCode = "MISSING_TOKEN"
	ErrorCodeMissingFork    ErrorCode = "MISSING_FORK"
	ErrorCodeUnknownBranch  ErrorCode = "UNKNOWN_BRANCH"
	ErrorCodeBadSequence    ErrorCode = "BAD_SEQUENCE"
	ErrorCodeInvalidPayload ErrorCode = "INVALID_PAYLOAD"
)

// DomainError is a configuration or input problem: it is reported, never retried.
type DomainError struct {
	Code    ErrorCode
	Message string
}

func (e *DomainError) Error() string {
	return string(e.Code) + ": " + e.Message
}

func NewDomainError(code ErrorCode, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// IsDomainError reports whether err carries the given code.
func IsDomainError(err error, code ErrorCode) bool {
	var de *DomainError
	return errors.As(err, &de) && de.Code == code
}

var (
	// ErrNotFound is returned by repositories when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLocked is returned when a row lock could not be taken without waiting.
	ErrLocked = errors.New("record is locked")
)
