package watchdog

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// See Linux "include/uapi/linux/watchdog.h".
const (
	wdiocKeepAlive  = 0x80045705
	wdiocSetTimeout = 0xc0045706
	wdiocGetTimeout = 0x80045707
)

// Watchdog is an open watchdog device.
type Watchdog struct {
	f *os.File
}

// Open arms the watchdog at dev.
func Open(dev string) (*Watchdog, error) {
	f, err := os.OpenFile(dev, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Watchdog{f: f}, nil
}

// KeepAlive pets the watchdog.
func (w *Watchdog) KeepAlive() error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, w.f.Fd(), wdiocKeepAlive, 0); errno != 0 {
		return errno
	}
	return nil
}

// SetTimeout sets the timeout in seconds and returns the one the driver chose.
func (w *Watchdog) SetTimeout(seconds int32) (int32, error) {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, w.f.Fd(), wdiocSetTimeout, uintptr(unsafe.Pointer(&seconds))); errno != 0 {
		return 0, errno
	}
	return seconds, nil
}

// Timeout returns the current timeout in seconds.
func (w *Watchdog) Timeout() (int32, error) {
	var seconds int32
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, w.f.Fd(), wdiocGetTimeout, uintptr(unsafe.Pointer(&seconds))); errno != 0 {
		return 0, errno
	}
	return seconds, nil
}

// MagicClose disarms the watchdog and closes it.
func (w *Watchdog) MagicClose() error {
	if _, err := w.f.Write([]byte("V")); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// Close closes the device; whether that disarms it depends on
// CONFIG_WATCHDOG_NOWAYOUT.
func (w *Watchdog) Close() error {
	return w.f.Close()
}
