package base

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrCorruption      = errors.New("data corruption detected")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrInvalidPageSize = errors.New("invalid page size")
)

// NoPage marks a CorruptionError that is not tied to a single page, such as a
// damaged WAL header.
const NoPage PageID = math.MaxUint64

// CorruptionError describes bytes that failed validation. It matches
// ErrCorruption with errors.Is.
type CorruptionError struct {
	PageID   PageID
	Msg      string
	Expected any
	Actual   any
}

func (e *CorruptionError) Error() string {
	var s string
	if e.PageID == NoPage {
		s = "corruption: " + e.Msg
	} else {
		s = fmt.Sprintf("corruption in page %d: %s", e.PageID, e.Msg)
	}
	if e.Expected != nil || e.Actual != nil {
		s += fmt.Sprintf(" (expected %v, got %v)", e.Expected, e.Actual)
	}
	return s
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruption
}

// Corrupt returns a CorruptionError without expected/actual values.
func Corrupt(id PageID, format string, args ...any) error {
	return &CorruptionError{PageID: id, Msg: fmt.Sprintf(format, args...)}
}

// Mismatch returns a CorruptionError for a field that holds the wrong value.
func Mismatch(id PageID, field string, expected, actual any) error {
	return &CorruptionError{PageID: id, Msg: field + " mismatch", Expected: expected, Actual: actual}
}

// Invalid wraps ErrInvalidArgument with context.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
