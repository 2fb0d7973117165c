// Package fault classifies pipeline errors into the kinds the bot reacts to.
package fault

import "errors"

var (
	ErrValidation    = errors.New("validation error")
	ErrUpstream      = errors.New("upstream error")
	ErrConfiguration = errors.New("configuration error")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

// Validation returns a sentinel that matches ErrValidation with errors.Is.
func Validation(msg string) error {
	return &kindError{kind: ErrValidation, msg: msg}
}

// Upstream returns a sentinel that matches ErrUpstream with errors.Is.
func Upstream(msg string) error {
	return &kindError{kind: ErrUpstream, msg: msg}
}

// Configuration returns a sentinel that matches ErrConfiguration with errors.Is.
func Configuration(msg string) error {
	return &kindError{kind: ErrConfiguration, msg: msg}
}

// Kind returns a short label for err, suitable for logs and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	default:
		return "unexpected"
	}
}
