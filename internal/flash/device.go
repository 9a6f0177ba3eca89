// Package flash provides byte addressable access to block erase NOR flash.
//
// A Device sits on top of a Backend (SPI, memory-mapped XIP or a host file)
// and turns arbitrary byte ranges into word aligned reads, program-unit sized
// read-modify-write cycles and sector erases.
package flash

import (
	"errors"
	"math"
	"sync"

	"github.com/autopeer-io/flashota/internal/flash/sfdp"
	"github.com/autopeer-io/flashota/internal/pkg/metrics"
	"github.com/autopeer-io/flashota/pkg/log"
)

// Size sources reported in Info.
const (
	SizeFromMedium = "medium"
	SizeFromSFDP   = "sfdp"
	SizeFromJEDEC  = "jedec-id"
)

// Device is the process wide handle on one flash chip. All methods are safe
// for concurrent use; each call runs to completion under the device lock.
type Device struct {
	mu sync.Mutex

	backend  Backend
	mask     InterruptMask
	watchdog Watchdog

	// scratch holds one program unit for read-modify-write and unaligned reads.
	scratch []byte

	// info is probed on first use and kept for the lifetime of the Device.
	info *Info
}

// Option configures a Device.
type Option func(*Device)

// WithInterruptMask sets the mask held around program and erase commands.
func WithInterruptMask(m InterruptMask) Option {
	return func(d *Device) { d.mask = m }
}

// WithWatchdog sets the watchdog fed between erased sectors.
func WithWatchdog(w Watchdog) Option {
	return func(d *Device) { d.watchdog = w }
}

// NewDevice wraps backend.
func NewDevice(backend Backend, opts ...Option) *Device {
	d := &Device{
		backend:  backend,
		mask:     NopInterruptMask(),
		watchdog: NopWatchdog(),
	}
	for _, o := range opts {
		o(d)
	}
	d.scratch = make([]byte, backend.ProgramUnit())
	return d
}

// Info returns the chip id, size and address mode, probing them on first call.
func (d *Device) Info() (Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.probe()
}

// Size returns the total size of the device in bytes.
func (d *Device) Size() (uint32, error) {
	info, err := d.Info()
	return info.Size, err
}

func (d *Device) probe() (Info, error) {
	if d.info != nil {
		return *d.info, nil
	}

	id, err := d.backend.ReadID()
	if err != nil {
		return Info{}, err
	}
	info := Info{ID: id}

	if s, ok := d.backend.(Sizer); ok {
		if info.Size, err = s.Size(); err != nil {
			return Info{}, err
		}
		info.SizeSource = SizeFromMedium
	} else {
		info.Size, info.SizeSource = d.probeSize(id)
	}

	info.AddressMode = Address3Byte
	if info.Size > 1<<24 {
		info.AddressMode = Address4Byte
	}
	if s, ok := d.backend.(AddressModeSetter); ok {
		s.SetAddressMode(info.AddressMode)
	}

	log.Info("Probed flash chip", "id", log.Hex(info.ID), "size", info.Size,
		"source", info.SizeSource, "addressMode", info.AddressMode.String())
	d.info = &info
	return info, nil
}

func (d *Device) probeSize(id uint32) (uint32, string) {
	if r, ok := d.backend.(SFDPReader); ok {
		size, err := sfdp.ReadSize(r)
		if err == nil {
			return size, SizeFromSFDP
		}
		log.Debug("SFDP size unavailable, falling back to JEDEC id", "err", err.Error())
	}

	// Legacy chips encode log2(size) in the capacity byte of the id.
	shift := id & 0xff
	if shift >= 32 {
		log.Warn("JEDEC capacity byte out of range", "id", log.Hex(id))
		return 0, SizeFromJEDEC
	}
	return 1 << shift, SizeFromJEDEC
}

func (d *Device) checkRange(addr, n uint32) error {
	info, err := d.probe()
	if err != nil {
		return err
	}
	if uint64(addr)+uint64(n) > uint64(info.Size) {
		return &RangeError{Addr: addr, Len: n, Limit: info.Size}
	}
	return nil
}

// sectorAddr checks the sector index before it is scaled to an address, so
// large indexes cannot wrap around to the start of the device.
func (d *Device) sectorAddr(sector uint32) (uint32, error) {
	info, err := d.probe()
	if err != nil {
		return 0, err
	}
	start := uint64(sector) * SectorSize
	if start+SectorSize > uint64(info.Size) {
		addr := uint32(math.MaxUint32)
		if start <= math.MaxUint32 {
			addr = uint32(start)
		}
		return addr, &RangeError{Addr: addr, Len: SectorSize, Limit: info.Size}
	}
	return uint32(start), nil
}

// Read fills p from addr. Word aligned reads go straight to the backend;
// unaligned head and tail words pass through the scratch buffer.
func (d *Device) Read(addr uint32, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkRange(addr, uint32(len(p))); err != nil {
		return 0, d.fail("read", addr, len(p), err)
	}

	n, err := d.read(addr, p)
	metrics.FlashBytesTotal.WithLabelValues("read").Add(float64(n))
	if err != nil {
		return n, d.fail("read", addr, len(p), err)
	}
	return n, nil
}

func (d *Device) read(addr uint32, p []byte) (int, error) {
	if addr%WordSize == 0 && len(p)%WordSize == 0 {
		return d.readWords(addr, p)
	}

	done := 0
	word := d.scratch[:WordSize]

	if off := addr % WordSize; off != 0 {
		if _, err := d.readWords(addr-off, word); err != nil {
			return 0, err
		}
		done = copy(p, word[off:])
		addr += uint32(done)
	}

	if body := (len(p) - done) / WordSize * WordSize; body > 0 {
		n, err := d.readWords(addr, p[done:done+body])
		done += n
		if err != nil {
			return done, err
		}
		addr += uint32(body)
	}

	if rem := len(p) - done; rem > 0 {
		if _, err := d.readWords(addr, word); err != nil {
			return done, err
		}
		done += copy(p[done:], word[:rem])
	}

	return done, nil
}

func (d *Device) readWords(addr uint32, p []byte) (int, error) {
	n, err := d.backend.ReadWords(addr, p)
	if err == nil && n < len(p) {
		err = &ShortTransferError{Addr: addr, Done: n, Want: len(p)}
	}
	return n, err
}

// Write stores p at addr without assuming the target is erased. A partial
// program unit at either end is read, overlaid and written back whole; full
// units in between are programmed directly. The count returned is the number
// of bytes of p that reached the medium.
func (d *Device) Write(addr uint32, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkRange(addr, uint32(len(p))); err != nil {
		return 0, d.fail("write", addr, len(p), err)
	}

	n, err := d.write(addr, p)
	metrics.FlashBytesTotal.WithLabelValues("write").Add(float64(n))
	if err != nil {
		return n, d.fail("write", addr, len(p), err)
	}
	return n, nil
}

func (d *Device) write(addr uint32, p []byte) (int, error) {
	unit := d.backend.ProgramUnit()

	done := 0
	for done < len(p) {
		a := addr + uint32(done)
		off := a & (unit - 1)
		n := min(int(unit-off), len(p)-done)

		var (
			written int
			err     error
		)
		if off == 0 && n == int(unit) {
			written, err = d.program(a, p[done:done+n])
		} else {
			written, err = d.modify(a-off, int(off), p[done:done+n])
		}

		done += written
		if err != nil {
			return done, err
		}
		if written < n {
			return done, &ShortTransferError{Addr: a, Done: done, Want: len(p)}
		}
	}

	return done, nil
}

// modify overlays data at off within the program unit at base.
func (d *Device) modify(base uint32, off int, data []byte) (int, error) {
	buf := d.scratch
	if _, err := d.readWords(base, buf); err != nil {
		return 0, err
	}
	copy(buf[off:], data)

	n, err := d.program(base, buf)
	switch {
	case n >= off+len(data):
		return len(data), err
	case n <= off:
		return 0, err
	default:
		return n - off, err
	}
}

func (d *Device) program(addr uint32, p []byte) (int, error) {
	unlock := d.mask.Lock()
	defer unlock()

	return d.backend.Program(addr, p)
}

// EraseSector erases sector index sector. Every byte of it then reads 0xFF on
// real flash.
func (d *Device) EraseSector(sector uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	addr, err := d.sectorAddr(sector)
	if err != nil {
		return d.fail("erase", addr, SectorSize, err)
	}
	if err := d.erase(addr); err != nil {
		return d.fail("erase", addr, SectorSize, err)
	}
	return nil
}

// EraseRange erases size bytes from addr, both sector aligned, feeding the
// watchdog between sectors.
func (d *Device) EraseRange(addr, size uint32) error {
	if size == 0 {
		return nil
	}
	if addr%SectorSize != 0 || size%SectorSize != 0 {
		return ErrMisaligned
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkRange(addr, size); err != nil {
		return d.fail("erase", addr, int(size), err)
	}

	log.Debug("Erasing flash range", "addr", log.Hex(addr), "size", size)
	for a := addr; a < addr+size; a += SectorSize {
		if err := d.erase(a); err != nil {
			return d.fail("erase", a, SectorSize, err)
		}
		if err := d.watchdog.KeepAlive(); err != nil {
			log.Warn("Failed to feed watchdog", "err", err.Error())
		}
	}
	return nil
}

func (d *Device) erase(addr uint32) error {
	unlock := d.mask.Lock()
	defer unlock()

	if err := d.backend.EraseSector(addr); err != nil {
		return err
	}
	metrics.FlashSectorErasesTotal.Inc()
	return nil
}

// Close releases the backend.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.backend.(Closer); ok {
		return c.Close()
	}
	return nil
}

func (d *Device) fail(op string, addr uint32, size int, err error) error {
	reason := "io"
	var short *ShortTransferError
	switch {
	case errors.Is(err, ErrOutOfRange):
		reason = "out_of_range"
	case errors.Is(err, ErrMediumUnavailable):
		reason = "unavailable"
	case errors.As(err, &short):
		reason = "short"
	}
	metrics.FlashErrorsTotal.WithLabelValues(op, reason).Inc()
	log.Error(err, "Flash operation failed", "op", op, "addr", log.Hex(addr), "size", size)
	return err
}
