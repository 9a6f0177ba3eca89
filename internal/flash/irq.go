package flash

// InterruptMask masks interrupts while a program or erase command runs, so no
// handler fetches code from a bank that is temporarily unreadable.
type InterruptMask interface {
	// Lock disables interrupts and returns a func that restores the previous
	// mask. The returned func must be called on every exit path.
	Lock() (unlock func())
}

// Watchdog is fed between sectors of a multi-sector erase.
type Watchdog interface {
	KeepAlive() error
}

type nopMask struct{}

func (nopMask) Lock() func() { return func() {} }

type nopWatchdog struct{}

func (nopWatchdog) KeepAlive() error { return nil }

// NopInterruptMask returns a mask that does nothing. Hosted processes have
// no interrupts to mask.
func NopInterruptMask() InterruptMask { return nopMask{} }

// NopWatchdog returns a watchdog that is never fed.
func NopWatchdog() Watchdog { return nopWatchdog{} }
