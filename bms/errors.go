package bms

import (
	"errors"
	"fmt"
)

// ErrCellOutOfRange is returned when a cell index is outside [0, NumCells).
var ErrCellOutOfRange = errors.New("cell index out of range")

// ErrInvalidArgument is returned for non-numeric or nonsensical inputs,
// e.g. a negative duration or a NaN voltage. Threshold violations are
// never errors; they surface as faults on the next query.
var ErrInvalidArgument = errors.New("invalid argument")

func errCellOutOfRange(id, numCells int) error {
	return fmt.Errorf("%w: cell %d, valid range 0-%d", ErrCellOutOfRange, id, numCells-1)
}

func errInvalidArgument(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, v...))
}
