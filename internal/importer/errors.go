package importer

import (
	"errors"
	"fmt"
)

var (
	ErrStageTransition = errors.New("invalid import stage transition")
	ErrInvalidOptions  = errors.New("invalid import options")
	ErrNoSource        = errors.New("no file selected for import")
	ErrSessionBusy     = errors.New("import session is busy")
	ErrSessionReset    = errors.New("import session was reset")
	ErrUnknownField    = errors.New("unknown schema field")
)

// ParseError is returned when the input cannot be read at all: it is empty,
// unreadable, or contains bytes that do not decode in the expected encoding.
// Shape problems inside individual rows are never reported this way.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("could not read file: %s: %v", e.Reason, e.Err)
	}
	return "could not read file: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsParseError reports whether err (or anything it wraps) is a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

func transitionError(op string, from Stage) error {
	return fmt.Errorf("%w: cannot %s while in stage %q", ErrStageTransition, op, from)
}
