package channel

import (
	"github.com/pkg/errors"
)

type transientError struct {
	err error
}

func (e transientError) Error() string {
	return e.err.Error()
}

func (e transientError) Unwrap() error {
	return e.err
}

// Transient marks error returned by session as affecting only the event being handled.
// Channel logs it, abandons the event and continues operating.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient tells if error has been marked by Transient.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
