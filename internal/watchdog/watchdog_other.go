//go:build !linux

package watchdog

import "errors"

var errUnsupported = errors.New("watchdog: not supported on this platform")

// Watchdog is only available on Linux.
type Watchdog struct{}

// Open always fails off Linux.
func Open(dev string) (*Watchdog, error) { return nil, errUnsupported }

func (w *Watchdog) KeepAlive() error { return errUnsupported }

func (w *Watchdog) SetTimeout(seconds int32) (int32, error) { return 0, errUnsupported }

func (w *Watchdog) Timeout() (int32, error) { return 0, errUnsupported }

func (w *Watchdog) MagicClose() error { return nil }

func (w *Watchdog) Close() error { return nil }
