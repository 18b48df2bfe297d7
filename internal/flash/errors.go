package flash

import (
	"errors"
	"fmt"
)

// ErrNotErased is returned when programming a halfword that is not 0xFFFF.
var ErrNotErased = errors.New("flash: target not erased")

// AlignmentError reports an image length the program flash cannot take.
type AlignmentError struct {
	Length      int
	Granularity int
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("image length %d is not a multiple of %d", e.Length, e.Granularity)
}

// RangeError reports an access outside a region or an unknown slot.
type RangeError struct {
	Region string
	Offset int64
	Length int
	Limit  int64
	Slot   bool
}

func (e *RangeError) Error() string {
	if e.Slot {
		return fmt.Sprintf("%s out of range: %d slots", e.Region, e.Limit)
	}
	return fmt.Sprintf("%s: %d bytes at offset 0x%X exceed limit 0x%X", e.Region, e.Length, e.Offset, e.Limit)
}

// StorageError wraps a failure of the underlying device.
type StorageError struct {
	Op   string
	Addr int64
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s at 0x%08X: %v", e.Op, e.Addr, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
