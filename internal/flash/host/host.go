// Package host emulates a flash chip with a file, for development hosts and
// tests.
package host

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/spf13/afero"

	"github.com/autopeer-io/flashota/internal/flash"
	"github.com/autopeer-io/flashota/pkg/log"
)

// ID is the JEDEC id reported by the emulation.
const ID = 0xfa1e0008

// DefaultInitialSize is the size a new backing file is extended to.
const DefaultInitialSize = 0x400000

// Options configures the emulation.
type Options struct {
	// Path of the backing file. It is created on first use.
	Path string

	// InitialSize is applied to a newly created, empty file.
	InitialSize uint32

	// EmulateNOR makes programming store old&new so that writing over
	// unerased bytes behaves as on real flash. New files start erased (0xFF).
	EmulateNOR bool
}

var (
	_ flash.Backend = (*Flash)(nil)
	_ flash.Sizer   = (*Flash)(nil)
	_ flash.Closer  = (*Flash)(nil)
)

// Flash is a flash.Backend over an afero file.
type Flash struct {
	fs   afero.Fs
	opts Options

	f    afero.File
	size uint32

	// scratch holds old contents for NOR emulation.
	scratch []byte
}

// New returns an unopened emulation; the file is opened on first access.
func New(fs afero.Fs, opts Options) *Flash {
	if opts.InitialSize == 0 {
		opts.InitialSize = DefaultInitialSize
	}
	return &Flash{fs: fs, opts: opts}
}

func (h *Flash) open() error {
	if h.f != nil {
		return nil
	}
	if h.opts.Path == "" {
		return fmt.Errorf("%w: no backing file configured", flash.ErrMediumUnavailable)
	}

	f, err := h.fs.OpenFile(h.opts.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", flash.ErrMediumUnavailable, err)
	}

	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", flash.ErrMediumUnavailable, err)
	}

	if end == 0 {
		if err := h.extend(f); err != nil {
			f.Close()
			return fmt.Errorf("%w: extend %s: %v", flash.ErrMediumUnavailable, h.opts.Path, err)
		}
		end = int64(h.opts.InitialSize)
		log.Info("Created flash backing file", "path", h.opts.Path, "size", end, "nor", h.opts.EmulateNOR)
	}
	if end > math.MaxUint32 {
		f.Close()
		return fmt.Errorf("%w: backing file of %d bytes exceeds 4 GiB", flash.ErrMediumUnavailable, end)
	}

	h.f = f
	h.size = uint32(end)
	return nil
}

// extend grows a new file to the initial size, erased when emulating NOR.
func (h *Flash) extend(f afero.File) error {
	if !h.opts.EmulateNOR {
		return f.Truncate(int64(h.opts.InitialSize))
	}
	erased := bytes.Repeat([]byte{0xff}, flash.SectorSize)
	for off := int64(0); off < int64(h.opts.InitialSize); off += flash.SectorSize {
		n := min(int64(h.opts.InitialSize)-off, flash.SectorSize)
		if _, err := f.WriteAt(erased[:n], off); err != nil {
			return err
		}
	}
	return nil
}

// Size implements flash.Sizer.
func (h *Flash) Size() (uint32, error) {
	if err := h.open(); err != nil {
		return 0, err
	}
	return h.size, nil
}

// ReadID implements flash.Backend.
func (h *Flash) ReadID() (uint32, error) {
	if err := h.open(); err != nil {
		return 0, err
	}
	return ID, nil
}

// ProgramUnit implements flash.Backend.
func (h *Flash) ProgramUnit() uint32 {
	return flash.SectorSize
}

// ReadWords implements flash.Backend.
func (h *Flash) ReadWords(addr uint32, p []byte) (int, error) {
	if err := h.open(); err != nil {
		return 0, err
	}
	n, err := h.f.ReadAt(p, int64(addr))
	if err == io.EOF && n == len(p) {
		err = nil
	}
	return n, err
}

// Program implements flash.Backend.
func (h *Flash) Program(addr uint32, p []byte) (int, error) {
	if err := h.open(); err != nil {
		return 0, err
	}
	if !h.opts.EmulateNOR {
		return h.f.WriteAt(p, int64(addr))
	}

	if cap(h.scratch) < len(p) {
		h.scratch = make([]byte, len(p))
	}
	old := h.scratch[:len(p)]
	if _, err := h.f.ReadAt(old, int64(addr)); err != nil && err != io.EOF {
		return 0, err
	}
	for i := range old {
		old[i] &= p[i]
	}
	return h.f.WriteAt(old, int64(addr))
}

// EraseSector implements flash.Backend.
func (h *Flash) EraseSector(addr uint32) error {
	if err := h.open(); err != nil {
		return err
	}
	_, err := h.f.WriteAt(bytes.Repeat([]byte{0xff}, flash.SectorSize), int64(addr))
	return err
}

// Close implements flash.Closer.
func (h *Flash) Close() error {
	if h.f == nil {
		return nil
	}
	err := h.f.Close()
	h.f = nil
	return err
}
