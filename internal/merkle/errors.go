package merkle

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput matches every *InvalidInputError.
	ErrInvalidInput = errors.New("invalid leaf input")
	// ErrIndexOutOfRange matches every *IndexOutOfRangeError.
	ErrIndexOutOfRange = errors.New("leaf index out of range")
)

// InvalidInputError is returned by Build when the leaf sequence is empty or
// contains a malformed digest. No tree is produced.
type InvalidInputError struct {
	// Index is the offending leaf position, or -1 when the whole input is bad.
	Index  int
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %s", ErrInvalidInput, e.Reason)
	}
	return fmt.Sprintf("%s: leaf %d: %s", ErrInvalidInput, e.Index, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidInput) match.
func (e *InvalidInputError) Is(target error) bool {
	return target == ErrInvalidInput
}

// IndexOutOfRangeError is returned when a proof is requested for a leaf that
// does not exist.
type IndexOutOfRangeError struct {
	Index int
	Size  int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("%s: %d not in [0, %d)", ErrIndexOutOfRange, e.Index, e.Size)
}

// Is lets errors.Is(err, ErrIndexOutOfRange) match.
func (e *IndexOutOfRangeError) Is(target error) bool {
	return target == ErrIndexOutOfRange
}
