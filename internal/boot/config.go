// Package boot reads and writes the rBoot configuration record that selects
// which application ROM the bootloader starts.
package boot

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic marks a valid record.
	Magic = 0xe1
	// Version is the only record layout understood.
	Version = 0x01
	// MaxROMs is the number of ROM slots a record can describe.
	MaxROMs = 4
	// RecordSize is the encoded length of a record.
	RecordSize = 25

	checksumInit = 0xef
)

// Boot modes, combinable in Config.Mode.
const (
	ModeStandard = 0x00
	ModeGPIOROM  = 0x01
	ModeTempROM  = 0x02
)

var (
	ErrBadMagic  = errors.New("boot: bad record magic or version")
	ErrChecksum  = errors.New("boot: record checksum mismatch")
	ErrShort     = errors.New("boot: record truncated")
	ErrNoSuchROM = errors.New("boot: no such rom")
)

// Config is the decoded boot record.
type Config struct {
	Mode       uint8
	CurrentROM uint8
	GPIOROM    uint8
	Count      uint8
	ROMs       [MaxROMs]uint32
}

// DefaultConfig returns a record booting ROM 0 with addrs as the ROM table.
func DefaultConfig(addrs ...uint32) Config {
	c := Config{Mode: ModeStandard}
	n := copy(c.ROMs[:], addrs)
	c.Count = uint8(n)
	return c
}

// Validate checks the fields the bootloader depends on.
func (c Config) Validate() error {
	if c.Count == 0 || c.Count > MaxROMs {
		return fmt.Errorf("boot: rom count %d out of range", c.Count)
	}
	if c.CurrentROM >= c.Count {
		return fmt.Errorf("%w: current %d of %d", ErrNoSuchROM, c.CurrentROM, c.Count)
	}
	return nil
}

// IndexOf returns the slot holding ROM address addr.
func (c Config) IndexOf(addr uint32) (int, error) {
	for i := 0; i < int(c.Count) && i < MaxROMs; i++ {
		if c.ROMs[i] == addr {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: no rom at 0x%08x", ErrNoSuchROM, addr)
}

// MarshalBinary encodes the record and appends its checksum.
func (c Config) MarshalBinary() ([]byte, error) {
	b := make([]byte, RecordSize)
	b[0] = Magic
	b[1] = Version
	b[2] = c.Mode
	b[3] = c.CurrentROM
	b[4] = c.GPIOROM
	b[5] = c.Count
	for i, addr := range c.ROMs {
		binary.LittleEndian.PutUint32(b[8+4*i:], addr)
	}
	b[RecordSize-1] = checksum(b[:RecordSize-1])
	return b, nil
}

// UnmarshalBinary decodes and verifies a record.
func (c *Config) UnmarshalBinary(b []byte) error {
	if len(b) < RecordSize {
		return ErrShort
	}
	if b[0] != Magic || b[1] != Version {
		return ErrBadMagic
	}
	if got, want := b[RecordSize-1], checksum(b[:RecordSize-1]); got != want {
		return fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrChecksum, got, want)
	}
	c.Mode = b[2]
	c.CurrentROM = b[3]
	c.GPIOROM = b[4]
	c.Count = b[5]
	for i := range c.ROMs {
		c.ROMs[i] = binary.LittleEndian.Uint32(b[8+4*i:])
	}
	return nil
}

func checksum(b []byte) uint8 {
	sum := uint8(checksumInit)
	for _, v := range b {
		sum ^= v
	}
	return sum
}
