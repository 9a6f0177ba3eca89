package flashtest

import (
	"errors"
	"sync"

	"github.com/autopeer-io/flashota/internal/flash"
)

var (
	_ flash.InterruptMask = (*Mask)(nil)
	_ flash.Watchdog      = (*Watchdog)(nil)
)

// Mask records interrupt mask acquisitions.
type Mask struct {
	mu     sync.Mutex
	depth  int
	Locks  int
	MaxDep int
}

// Lock implements flash.InterruptMask.
func (m *Mask) Lock() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depth++
	m.Locks++
	m.MaxDep = max(m.MaxDep, m.depth)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.depth--
		})
	}
}

// Depth returns the number of unreleased locks.
func (m *Mask) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth
}

// Watchdog counts feeds.
type Watchdog struct {
	mu    sync.Mutex
	Feeds int
	Fail  bool
}

// KeepAlive implements flash.Watchdog.
func (w *Watchdog) KeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Feeds++
	if w.Fail {
		return errors.New("flashtest: watchdog unavailable")
	}
	return nil
}

// Count returns the number of feeds.
func (w *Watchdog) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Feeds
}
