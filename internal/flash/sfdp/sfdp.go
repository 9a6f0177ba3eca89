// Package sfdp parses the JEDEC Serial Flash Discoverable Parameters table
// (JESD216) far enough to learn the chip density.
package sfdp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Signature is "SFDP" read as a little-endian dword.
	Signature = 0x50444653

	// BasicTableID is the id LSB of the mandatory JEDEC basic flash parameter table.
	BasicTableID = 0x00

	// BasicTableDensityDword is the index of the density dword in the basic table.
	BasicTableDensityDword = 1

	headerSize          = 8
	parameterHeaderSize = 8
)

var (
	// ErrNotSupported is returned when the chip has no SFDP signature.
	ErrNotSupported = errors.New("sfdp: chip does not support SFDP")

	// ErrNoBasicTable is returned when the first parameter header is not the
	// mandatory basic table.
	ErrNoBasicTable = errors.New("sfdp: mandatory parameter table missing")
)

// ReaderAt reads from the SFDP address space.
type ReaderAt interface {
	SFDPReadAt(offset uint32, out []byte) error
}

// Buffer holds an SFDP image in memory.
type Buffer []byte

// SFDPReadAt implements ReaderAt for Buffer.
func (b Buffer) SFDPReadAt(offset uint32, out []byte) error {
	offset &= 0x00ffffff
	if int(offset)+len(out) > len(b) {
		return fmt.Errorf("sfdp: read of %d bytes at 0x%x beyond %d byte buffer", len(out), offset, len(b))
	}
	copy(out, b[offset:])
	return nil
}

// Header is the SFDP header at offset 0.
type Header struct {
	Signature uint32
	MinorRev  uint8
	MajorRev  uint8
	// NPH is the number of parameter headers minus one.
	NPH            uint8
	AccessProtocol uint8
}

// ParameterHeader locates one parameter table.
type ParameterHeader struct {
	IDLSB    uint8
	MinorRev uint8
	MajorRev uint8
	// Length is in dwords.
	Length uint8
	// PointerAndIDMSB holds the 24-bit table pointer and, in its top byte,
	// the id MSB.
	PointerAndIDMSB uint32
}

// Pointer returns the table address.
func (h ParameterHeader) Pointer() uint32 { return h.PointerAndIDMSB & 0x00ffffff }

// ID returns IDMSB:IDLSB.
func (h ParameterHeader) ID() uint16 {
	return uint16(h.PointerAndIDMSB>>16)&0xff00 | uint16(h.IDLSB)
}

// Parameter is a parameter header and its table.
type Parameter struct {
	ParameterHeader
	Table []uint32
}

// SFDP is a parsed table set.
type SFDP struct {
	Header
	Parameters []Parameter
}

// Parse reads the header, every parameter header and their tables.
func Parse(r ReaderAt) (*SFDP, error) {
	buf := make([]byte, headerSize)
	if err := r.SFDPReadAt(0, buf); err != nil {
		return nil, err
	}

	var s SFDP
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &s.Header); err != nil {
		return nil, err
	}
	if s.Signature != Signature {
		return nil, ErrNotSupported
	}

	count := int(s.NPH) + 1
	buf = make([]byte, count*parameterHeaderSize)
	if err := r.SFDPReadAt(headerSize, buf); err != nil {
		return nil, err
	}

	s.Parameters = make([]Parameter, count)
	rd := bytes.NewReader(buf)
	for i := range s.Parameters {
		p := &s.Parameters[i]
		if err := binary.Read(rd, binary.LittleEndian, &p.ParameterHeader); err != nil {
			return nil, err
		}

		table := make([]byte, int(p.Length)*4)
		if err := r.SFDPReadAt(p.Pointer(), table); err != nil {
			return nil, fmt.Errorf("sfdp: table %#04x: %w", p.ID(), err)
		}
		p.Table = make([]uint32, p.Length)
		if err := binary.Read(bytes.NewReader(table), binary.LittleEndian, p.Table); err != nil {
			return nil, err
		}
	}

	if s.Parameters[0].IDLSB != BasicTableID {
		return nil, ErrNoBasicTable
	}
	return &s, nil
}

// Dword returns dword n of the first table whose id LSB is idLSB.
func (s *SFDP) Dword(idLSB uint8, n int) (uint32, error) {
	for _, p := range s.Parameters {
		if p.IDLSB != idLSB {
			continue
		}
		if n < 0 || n >= len(p.Table) {
			return 0, fmt.Errorf("sfdp: dword %d outside table %#04x of %d dwords", n, p.ID(), len(p.Table))
		}
		return p.Table[n], nil
	}
	return 0, fmt.Errorf("sfdp: no table %#02x", idLSB)
}

// Size returns the chip size in bytes from the basic table density dword.
func (s *SFDP) Size() (uint32, error) {
	d, err := s.Dword(BasicTableID, BasicTableDensityDword)
	if err != nil {
		return 0, err
	}
	return DensityBytes(d)
}

// DensityBytes decodes a density dword. With bit 31 set the low bits hold
// log2 of the size in bits, otherwise the size in bits minus one.
func DensityBytes(d uint32) (uint32, error) {
	if d&0x80000000 != 0 {
		n := d &^ 0x80000000
		if n < 3 || n-3 >= 32 {
			return 0, fmt.Errorf("sfdp: density 2^%d bits not representable", n)
		}
		return 1 << (n - 3), nil
	}
	return uint32((uint64(d) + 1) / 8), nil
}

// ReadSize parses the SFDP area behind r and returns the chip size.
func ReadSize(r ReaderAt) (uint32, error) {
	s, err := Parse(r)
	if err != nil {
		return 0, err
	}
	return s.Size()
}

// Build returns a minimal SFDP image with one basic table whose density
// dword encodes size. It is used by chip simulators.
func Build(size uint32) Buffer {
	const tableAt = 0x30
	b := make(Buffer, tableAt+9*4)
	binary.LittleEndian.PutUint32(b[0:], Signature)
	b[4], b[5], b[6], b[7] = 6, 1, 0, 0xff // rev 1.6, one header

	b[8], b[9], b[10], b[11] = BasicTableID, 6, 1, 9
	binary.LittleEndian.PutUint32(b[12:], 0xff000000|tableAt)

	binary.LittleEndian.PutUint32(b[tableAt:], 0xfff120e5)
	binary.LittleEndian.PutUint32(b[tableAt+4:], size*8-1)
	return b
}
