// Package xip reads flash through a memory-mapped execute-in-place controller
// that streams words into a FIFO drained by DMA. Program, erase and
// identification go through the SPI command path.
package xip

import (
	"encoding/binary"
	"fmt"

	"github.com/autopeer-io/flashota/internal/flash"
	"github.com/autopeer-io/flashota/internal/flash/spi"
)

// Controller is the XIP streaming interface.
type Controller interface {
	// FIFOEmpty reports whether the read FIFO holds no words.
	FIFOEmpty() bool

	// PopFIFO removes and returns one word from the read FIFO.
	PopFIFO() uint32

	// StartStream makes the controller fetch words 32-bit words starting at
	// flash offset addr into the FIFO.
	StartStream(addr uint32, words uint32)

	// DMA moves streamed words into dst and returns how many it moved.
	DMA(dst []uint32) int
}

// scratchWords bounds one streaming transfer.
const scratchWords = flash.SectorSize / flash.WordSize

var (
	_ flash.Backend           = (*Flash)(nil)
	_ flash.SFDPReader        = (*Flash)(nil)
	_ flash.AddressModeSetter = (*Flash)(nil)
)

// Flash is a flash.Backend with a streaming read path.
type Flash struct {
	*spi.Flash

	ctrl    Controller
	scratch []uint32
}

// New returns a backend reading through ctrl and writing through bus.
func New(ctrl Controller, bus spi.Bus) *Flash {
	return &Flash{
		Flash:   spi.New(bus),
		ctrl:    ctrl,
		scratch: make([]uint32, scratchWords),
	}
}

// ReadWords drains stale FIFO words left by an earlier access, then streams
// len(p)/4 words through DMA.
func (f *Flash) ReadWords(addr uint32, p []byte) (int, error) {
	if addr%flash.WordSize != 0 || len(p)%flash.WordSize != 0 {
		return 0, fmt.Errorf("xip: unaligned read of %d bytes at 0x%08x", len(p), addr)
	}

	for !f.ctrl.FIFOEmpty() {
		f.ctrl.PopFIFO()
	}

	done := 0
	for done < len(p) {
		words := min((len(p)-done)/flash.WordSize, scratchWords)
		f.ctrl.StartStream(addr+uint32(done), uint32(words))

		got := f.ctrl.DMA(f.scratch[:words])
		for i, w := range f.scratch[:got] {
			binary.LittleEndian.PutUint32(p[done+i*flash.WordSize:], w)
		}
		done += got * flash.WordSize
		if got < words {
			return done, nil
		}
	}
	return done, nil
}
