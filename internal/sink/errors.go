package sink

import (
	"errors"
	"fmt"
	"time"
)

var ErrClosed = errors.New("sink closed")

// Permanent marks a rejection that retrying will not fix (validation
// failure, 4xx). The outbox drops the batch and records the failure
// without spending its remaining retries.
//
// Example:
//
//	return sink.Permanent(fmt.Errorf("collector rejected batch: %s", status))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// PartialError reports that the sink acknowledged only the first Accepted
// events of a batch. The rest must stay queued, in order.
type PartialError struct {
	Accepted int
	Err      error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("partial: %d accepted: %v", e.Accepted, e.Err)
}
func (e *PartialError) Unwrap() error { return e.Err }

// Accepted returns how many leading events of a batch err acknowledges.
// A nil err acknowledges all n; any other error none.
func Accepted(err error, n int) int {
	if err == nil {
		return n
	}
	var pe *PartialError
	if errors.As(err, &pe) {
		if pe.Accepted < 0 {
			return 0
		}
		if pe.Accepted > n {
			return n
		}
		return pe.Accepted
	}
	return 0
}

// RetryAfter carries a downstream hint (HTTP 429 Retry-After) for the
// next attempt.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
