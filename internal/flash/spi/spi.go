// Package spi drives a serial NOR flash chip with JEDEC opcodes over a bus
// primitive.
package spi

import (
	"errors"
	"fmt"

	"github.com/autopeer-io/flashota/internal/flash"
)

// JEDEC opcodes.
const (
	OpWriteEnable  = 0x06
	OpWriteDisable = 0x04
	OpReadStatus   = 0x05
	OpRead         = 0x03
	OpPageProgram  = 0x02
	OpSectorErase  = 0x20
	OpReadID       = 0x9f
	OpReadSFDP     = 0x5a

	// 4-byte address variants.
	OpRead4B        = 0x13
	OpPageProgram4B = 0x12
	OpSectorErase4B = 0x21
)

// Status register bits.
const (
	StatusBusy         = 1 << 0
	StatusWriteEnabled = 1 << 1
)

// ErrTimeout is returned when the chip stays busy after a program or erase.
var ErrTimeout = errors.New("spi: flash busy timeout")

// Bus issues one command with chip select held for its whole duration: tx is
// clocked out first, then len(rx) bytes are clocked in.
type Bus interface {
	Transfer(tx, rx []byte) error
}

// maxRead bounds a single READ transfer.
const maxRead = flash.SectorSize

var (
	_ flash.Backend           = (*Flash)(nil)
	_ flash.SFDPReader        = (*Flash)(nil)
	_ flash.AddressModeSetter = (*Flash)(nil)
)

// Flash is a flash.Backend for a chip on a Bus.
type Flash struct {
	bus  Bus
	mode flash.AddressMode

	// MaxPolls bounds the status register polls after a program or erase.
	MaxPolls int
}

// New returns a backend in 3-byte address mode.
func New(bus Bus) *Flash {
	return &Flash{
		bus:      bus,
		mode:     flash.Address3Byte,
		MaxPolls: 1 << 20,
	}
}

// SetAddressMode implements flash.AddressModeSetter.
func (f *Flash) SetAddressMode(mode flash.AddressMode) {
	f.mode = mode
}

// ProgramUnit is the page size.
func (f *Flash) ProgramUnit() uint32 {
	return flash.PageSize
}

// command builds opcode followed by addr in the current address mode.
func (f *Flash) command(op3, op4 byte, addr uint32, extra int) []byte {
	if f.mode == flash.Address4Byte {
		cmd := make([]byte, 5, 5+extra)
		cmd[0] = op4
		cmd[1], cmd[2], cmd[3], cmd[4] = byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr)
		return cmd
	}
	cmd := make([]byte, 4, 4+extra)
	cmd[0] = op3
	cmd[1], cmd[2], cmd[3] = byte(addr>>16), byte(addr>>8), byte(addr)
	return cmd
}

// ReadWords implements flash.Backend. Any alignment works on SPI; the word
// contract is shared with the XIP controller.
func (f *Flash) ReadWords(addr uint32, p []byte) (int, error) {
	done := 0
	for done < len(p) {
		n := min(len(p)-done, maxRead)
		cmd := f.command(OpRead, OpRead4B, addr+uint32(done), 0)
		if err := f.bus.Transfer(cmd, p[done:done+n]); err != nil {
			return done, fmt.Errorf("spi: read at 0x%08x: %w", addr+uint32(done), err)
		}
		done += n
	}
	return done, nil
}

// Program implements flash.Backend. p must lie within one page.
func (f *Flash) Program(addr uint32, p []byte) (int, error) {
	if off := addr % flash.PageSize; int(off)+len(p) > flash.PageSize {
		return 0, fmt.Errorf("spi: program of %d bytes at 0x%08x crosses a page", len(p), addr)
	}

	if err := f.writeEnable(); err != nil {
		return 0, err
	}
	cmd := f.command(OpPageProgram, OpPageProgram4B, addr, len(p))
	cmd = append(cmd, p...)
	if err := f.bus.Transfer(cmd, nil); err != nil {
		return 0, fmt.Errorf("spi: program at 0x%08x: %w", addr, err)
	}
	if err := f.waitReady(); err != nil {
		return 0, err
	}
	return len(p), nil
}

// EraseSector implements flash.Backend.
func (f *Flash) EraseSector(addr uint32) error {
	if err := f.writeEnable(); err != nil {
		return err
	}
	if err := f.bus.Transfer(f.command(OpSectorErase, OpSectorErase4B, addr, 0), nil); err != nil {
		return fmt.Errorf("spi: erase at 0x%08x: %w", addr, err)
	}
	return f.waitReady()
}

// ReadID implements flash.Backend. The id is manufacturer, memory type and
// capacity, most significant byte first.
func (f *Flash) ReadID() (uint32, error) {
	var rx [3]byte
	if err := f.bus.Transfer([]byte{OpReadID}, rx[:]); err != nil {
		return 0, fmt.Errorf("spi: read id: %w", err)
	}
	return uint32(rx[0])<<16 | uint32(rx[1])<<8 | uint32(rx[2]), nil
}

// SFDPReadAt implements flash.SFDPReader. SFDP always uses 3-byte addresses
// followed by one dummy byte.
func (f *Flash) SFDPReadAt(offset uint32, out []byte) error {
	tx := []byte{OpReadSFDP, byte(offset >> 16), byte(offset >> 8), byte(offset), 0xff}
	return f.bus.Transfer(tx, out)
}

// ReadStatus returns status register 1.
func (f *Flash) ReadStatus() (byte, error) {
	var rx [1]byte
	if err := f.bus.Transfer([]byte{OpReadStatus}, rx[:]); err != nil {
		return 0, err
	}
	return rx[0], nil
}

func (f *Flash) writeEnable() error {
	if err := f.bus.Transfer([]byte{OpWriteEnable}, nil); err != nil {
		return fmt.Errorf("spi: write enable: %w", err)
	}
	return nil
}

func (f *Flash) waitReady() error {
	for range f.MaxPolls {
		st, err := f.ReadStatus()
		if err != nil {
			return fmt.Errorf("spi: read status: %w", err)
		}
		if st&StatusBusy == 0 {
			return nil
		}
	}
	return ErrTimeout
}
