package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable reports a transport-level failure: no usable answer was received.
	ErrUnreachable = errors.New("remote: unreachable")
	// ErrAuthorizationExpired reports a refused credential. It wraps ErrUnreachable
	// because a refreshed credential may succeed on the next attempt.
	ErrAuthorizationExpired = fmt.Errorf("%w: authorization expired", ErrUnreachable)
)

// RejectedError reports that the remote store explicitly refused a record.
type RejectedError struct {
	StatusCode int
	Code       string
	Reason     string
	Fields     map[string]string
}

func (e *RejectedError) Error() string {
	detail := e.Reason
	if fieldDetail := joinFieldErrors(e.Fields); fieldDetail != "" {
		if detail != "" {
			detail += ": "
		}
		detail += fieldDetail
	}
	return fmt.Sprintf("remote: rejected (%d): %s", e.StatusCode, detail)
}

// IsRejected reports whether err carries an explicit refusal.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// IsRetryable reports whether err is a transport or authorization failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
