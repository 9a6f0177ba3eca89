package flash

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is returned for a range outside the device. Nothing is
	// sent to the medium.
	ErrOutOfRange = errors.New("flash: address range out of bounds")

	// ErrMediumUnavailable is returned when the backing medium cannot be
	// opened or reached.
	ErrMediumUnavailable = errors.New("flash: medium unavailable")

	// ErrMisaligned is returned by erase calls whose range is not sector aligned.
	ErrMisaligned = errors.New("flash: range not sector aligned")
)

// ShortTransferError reports a transfer that stopped early. Done bytes of the
// caller's buffer reached the medium.
type ShortTransferError struct {
	Addr uint32
	Done int
	Want int
}

func (e *ShortTransferError) Error() string {
	return fmt.Sprintf("flash: short transfer at 0x%08x: %d of %d bytes", e.Addr, e.Done, e.Want)
}

// RangeError wraps ErrOutOfRange with the offending range.
type RangeError struct {
	Addr  uint32
	Len   uint32
	Limit uint32
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("flash: range [0x%08x, +0x%x) exceeds 0x%08x", e.Addr, e.Len, e.Limit)
}

func (e *RangeError) Unwrap() error { return ErrOutOfRange }
