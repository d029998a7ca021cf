package remote

import (
	"fmt"

	"github.com/pkg/errors"
)

// StatusError is returned for every non-2xx response.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("HTTP %s", e.Status)
	}
	return fmt.Sprintf("HTTP %d", e.Code)
}

// DecodeError wraps a response body that could not be parsed.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("could not decode response of %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type Class string

const (
	ClassNone     Class = ""
	ClassNetwork  Class = "network"
	ClassRejected Class = "rejected"
	ClassDecode   Class = "decode"
)

// Classify sorts a client error into the failure classes used for logging,
// metrics and events. Anything that is neither a status nor a decode error
// is treated as a transient network failure.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var se *StatusError
	if errors.As(err, &se) {
		return ClassRejected
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return ClassDecode
	}
	return ClassNetwork
}

func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
