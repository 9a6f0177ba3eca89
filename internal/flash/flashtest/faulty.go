package flashtest

import (
	"github.com/autopeer-io/flashota/internal/flash"
)

// Faulty wraps a Backend and stops programming once Budget bytes have been
// accepted. Programs past the budget report a short count without error.
type Faulty struct {
	flash.Backend

	Budget int

	// EraseErr, when set, fails every erase.
	EraseErr error
}

// Program implements flash.Backend.
func (f *Faulty) Program(addr uint32, p []byte) (int, error) {
	n := min(len(p), f.Budget)
	if n <= 0 {
		return 0, nil
	}
	f.Budget -= n
	return f.Backend.Program(addr, p[:n])
}

// EraseSector implements flash.Backend.
func (f *Faulty) EraseSector(addr uint32) error {
	if f.EraseErr != nil {
		return f.EraseErr
	}
	return f.Backend.EraseSector(addr)
}
