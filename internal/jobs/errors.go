package jobs

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("jobs: not found")
	ErrNoJob           = errors.New("jobs: no eligible job")
	ErrStaleClaim      = errors.New("jobs: claim no longer held")
	ErrNotTerminal     = errors.New("jobs: job is not in a repairable state")
	ErrDuplicateExtID  = errors.New("jobs: external id already correlated")
	ErrInvalidArgument = errors.New("jobs: invalid argument")
)

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: the job is dead-lettered at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

// RetryAfterError carries a provider hint for the next attempt.
type RetryAfterError struct {
	Err   error
	After time.Duration
}

func (e RetryAfterError) Error() string { return e.Err.Error() }
func (e RetryAfterError) Unwrap() error { return e.Err }

func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return RetryAfterError{Err: err, After: d}
}

// RetryHint returns the delay hint attached to err, if any.
func RetryHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) && ra.After > 0 {
		return ra.After, true
	}
	return 0, false
}
