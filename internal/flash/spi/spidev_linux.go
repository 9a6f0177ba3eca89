package spi

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// See Linux "include/uapi/linux/spi/spidev.h".
const (
	iocWrMode32     = 0x40046b05
	iocWrMaxSpeedHz = 0x40046b04
	iocMessageBase  = 0x40006b00
)

// iocTransfer mirrors struct spi_ioc_transfer.
type iocTransfer struct {
	TxBuf          uint64
	RxBuf          uint64
	Length         uint32
	SpeedHz        uint32
	DelayUsecs     uint16
	BitsPerWord    uint8
	CSChange       uint8
	TxNBits        uint8
	RxNBits        uint8
	WordDelayUsecs uint8
	Pad            uint8
}

func iocMessage(n int) uintptr {
	size := uintptr(n) * unsafe.Sizeof(iocTransfer{})
	return iocMessageBase | (size << 16)
}

// Spidev is a Bus on a Linux spidev node such as /dev/spidev0.0.
type Spidev struct {
	f       *os.File
	speedHz uint32
}

var _ Bus = (*Spidev)(nil)

// OpenSpidev opens dev in SPI mode 0 at speedHz.
func OpenSpidev(dev string, speedHz uint32) (*Spidev, error) {
	f, err := os.OpenFile(dev, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	s := &Spidev{f: f, speedHz: speedHz}

	var mode uint32
	if err := s.ioctl(iocWrMode32, unsafe.Pointer(&mode)); err != nil {
		f.Close()
		return nil, fmt.Errorf("spidev: set mode: %w", err)
	}
	if err := s.ioctl(iocWrMaxSpeedHz, unsafe.Pointer(&speedHz)); err != nil {
		f.Close()
		return nil, fmt.Errorf("spidev: set speed: %w", err)
	}
	return s, nil
}

// Close closes the device node.
func (s *Spidev) Close() error {
	return s.f.Close()
}

// Transfer implements Bus with one or two chained transfers, keeping chip
// select asserted between them.
func (s *Spidev) Transfer(tx, rx []byte) error {
	// The kernel needs buffers the garbage collector will not move.
	buf, err := unix.Mmap(-1, 0, len(tx)+len(rx), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return err
	}
	defer unix.Munmap(buf)

	copy(buf, tx)
	it := []iocTransfer{{
		TxBuf:   uint64(uintptr(unsafe.Pointer(&buf[0]))),
		Length:  uint32(len(tx)),
		SpeedHz: s.speedHz,
	}}
	if len(rx) > 0 {
		it = append(it, iocTransfer{
			RxBuf:   uint64(uintptr(unsafe.Pointer(&buf[len(tx)]))),
			Length:  uint32(len(rx)),
			SpeedHz: s.speedHz,
		})
	}

	if err := s.ioctl(iocMessage(len(it)), unsafe.Pointer(&it[0])); err != nil {
		return err
	}
	copy(rx, buf[len(tx):])
	return nil
}

func (s *Spidev) ioctl(req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, s.f.Fd(), req, uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}
