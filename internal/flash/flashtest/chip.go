// Package flashtest provides an in-memory NOR flash chip for tests. It
// answers JEDEC commands as a spi.Bus and streams reads as an xip.Controller.
package flashtest

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/autopeer-io/flashota/internal/flash"
	"github.com/autopeer-io/flashota/internal/flash/sfdp"
	"github.com/autopeer-io/flashota/internal/flash/spi"
	"github.com/autopeer-io/flashota/internal/flash/xip"
)

// DefaultID is a 4 MiB chip: manufacturer 0xEF, type 0x40, capacity 2^22.
const DefaultID = 0xef4016

var (
	_ spi.Bus        = (*Chip)(nil)
	_ xip.Controller = (*Chip)(nil)
)

// Chip simulates a NOR chip: erase sets bytes to 0xFF, programming can only
// clear bits, and program or erase without a preceding write enable is
// ignored.
type Chip struct {
	mu sync.Mutex

	mem  []byte
	id   uint32
	sfdp sfdp.Buffer
	wel  bool

	// busy is the number of status polls that report busy after a command.
	busy      int
	BusyPolls int

	fifo []uint32

	// FailTransfer, when set, is returned by the next Transfer.
	FailTransfer error

	// DMALimit caps the words one DMA call moves. Zero means no cap.
	DMALimit int

	Programs int
	Erases   int
	Ignored  int

	// Opcodes counts commands by opcode.
	Opcodes map[byte]int
}

// NewChip returns an erased chip of size bytes advertising its size in SFDP.
func NewChip(size uint32) *Chip {
	c := &Chip{
		mem:     make([]byte, size),
		id:      DefaultID,
		sfdp:    sfdp.Build(size),
		Opcodes: make(map[byte]int),
	}
	for i := range c.mem {
		c.mem[i] = 0xff
	}
	return c
}

// WithoutSFDP removes the SFDP table so size detection falls back to the id.
func (c *Chip) WithoutSFDP() *Chip {
	c.sfdp = nil
	return c
}

// WithID sets the JEDEC id.
func (c *Chip) WithID(id uint32) *Chip {
	c.id = id
	return c
}

// Mem returns the backing array. Callers must not retain it across commands.
func (c *Chip) Mem() []byte {
	return c.mem
}

// Fill overwrites the chip contents from addr, ignoring NOR rules.
func (c *Chip) Fill(addr uint32, p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.mem[addr:], p)
}

// StaleFIFO pushes words into the read FIFO as a previous access would.
func (c *Chip) StaleFIFO(words ...uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fifo = append(c.fifo, words...)
}

func (c *Chip) addr(b []byte) uint32 {
	var a uint32
	for _, x := range b {
		a = a<<8 | uint32(x)
	}
	return a % uint32(len(c.mem))
}

// Transfer implements spi.Bus.
func (c *Chip) Transfer(tx, rx []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.FailTransfer; err != nil {
		c.FailTransfer = nil
		return err
	}
	if len(tx) == 0 {
		return fmt.Errorf("flashtest: empty command")
	}

	c.Opcodes[tx[0]]++

	switch op := tx[0]; op {
	case spi.OpReadID:
		rx[0], rx[1], rx[2] = byte(c.id>>16), byte(c.id>>8), byte(c.id)
	case spi.OpReadStatus:
		var st byte
		if c.busy > 0 {
			c.busy--
			st |= spi.StatusBusy
		}
		if c.wel {
			st |= spi.StatusWriteEnabled
		}
		rx[0] = st
	case spi.OpWriteEnable:
		c.wel = true
	case spi.OpWriteDisable:
		c.wel = false
	case spi.OpRead, spi.OpRead4B:
		n := c.addrLen(op)
		c.read(c.addr(tx[1:1+n]), rx)
	case spi.OpPageProgram, spi.OpPageProgram4B:
		n := c.addrLen(op)
		c.program(c.addr(tx[1:1+n]), tx[1+n:])
	case spi.OpSectorErase, spi.OpSectorErase4B:
		n := c.addrLen(op)
		c.erase(c.addr(tx[1 : 1+n]))
	case spi.OpReadSFDP:
		off := int(tx[1])<<16 | int(tx[2])<<8 | int(tx[3])
		for i := range rx {
			rx[i] = 0xff
			if off+i < len(c.sfdp) {
				rx[i] = c.sfdp[off+i]
			}
		}
	default:
		return fmt.Errorf("flashtest: unsupported opcode %#02x", op)
	}
	return nil
}

func (c *Chip) addrLen(op byte) int {
	switch op {
	case spi.OpRead4B, spi.OpPageProgram4B, spi.OpSectorErase4B:
		return 4
	}
	return 3
}

func (c *Chip) read(addr uint32, p []byte) {
	for i := range p {
		p[i] = c.mem[(int(addr)+i)%len(c.mem)]
	}
}

// program wraps within the page like real chips.
func (c *Chip) program(addr uint32, data []byte) {
	if !c.wel {
		c.Ignored++
		return
	}
	page := addr &^ (flash.PageSize - 1)
	for i, b := range data {
		a := page + (addr+uint32(i))%flash.PageSize
		c.mem[a] &= b
	}
	c.wel = false
	c.busy = c.BusyPolls
	c.Programs++
}

func (c *Chip) erase(addr uint32) {
	if !c.wel {
		c.Ignored++
		return
	}
	base := addr &^ (flash.SectorSize - 1)
	for i := base; i < base+flash.SectorSize; i++ {
		c.mem[i] = 0xff
	}
	c.wel = false
	c.busy = c.BusyPolls
	c.Erases++
}

// FIFOEmpty implements xip.Controller.
func (c *Chip) FIFOEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fifo) == 0
}

// PopFIFO implements xip.Controller.
func (c *Chip) PopFIFO() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.fifo) == 0 {
		return 0
	}
	w := c.fifo[0]
	c.fifo = c.fifo[1:]
	return w
}

// StartStream implements xip.Controller.
func (c *Chip) StartStream(addr uint32, words uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var buf [4]byte
	for i := range words {
		c.read(addr+i*4, buf[:])
		c.fifo = append(c.fifo, binary.LittleEndian.Uint32(buf[:]))
	}
}

// DMA implements xip.Controller.
func (c *Chip) DMA(dst []uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := min(len(dst), len(c.fifo))
	if c.DMALimit > 0 {
		n = min(n, c.DMALimit)
	}
	copy(dst, c.fifo[:n])
	c.fifo = c.fifo[n:]
	return n
}
