// Package agent runs the update daemon: one storage context, one session
// dispatcher and every enabled transport feeding it.
package agent

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/flashota/internal/agent/hal"
	"github.com/autopeer-io/flashota/internal/storage"
	"github.com/autopeer-io/flashota/internal/transport"
	"github.com/autopeer-io/flashota/pkg/log"
)

type module struct {
	name string
	run  func(ctx context.Context) error
}

// Agent owns the device for the lifetime of the process.
type Agent struct {
	storage    *storage.Context
	hal        hal.HAL
	dispatcher *transport.Dispatcher
	modules    []module
}

func (a *Agent) add(name string, run func(ctx context.Context) error) {
	a.modules = append(a.modules, module{name: name, run: run})
}

// Dispatcher returns the session gate shared by the transports.
func (a *Agent) Dispatcher() *transport.Dispatcher { return a.dispatcher }

// Storage returns the flash stack.
func (a *Agent) Storage() *storage.Context { return a.storage }

// Transports lists the enabled transports by name.
func (a *Agent) Transports() []string {
	names := make([]string, len(a.modules))
	for i, m := range a.modules {
		names[i] = m.name
	}
	return names
}

// Run starts every transport and blocks until ctx ends or one of them fails.
// The storage context is closed on return.
func (a *Agent) Run(ctx context.Context) error {
	defer func() {
		if err := a.storage.Close(); err != nil {
			log.Error(err, "Failed to close storage")
		}
	}()

	_, slot, err := a.storage.Boot().Current()
	if err != nil {
		return err
	}
	log.Info("Starting flashota-agent", "runningVersion", a.hal.RunningVersion(),
		"bootSlot", slot.Name(), "transports", a.Transports())

	g, ctx := errgroup.WithContext(ctx)
	for _, m := range a.modules {
		g.Go(func() error {
			if err := m.run(ctx); err != nil {
				return fmt.Errorf("%s transport: %w", m.name, err)
			}
			return nil
		})
	}

	err = g.Wait()
	log.Info("Agent shutting down...")
	return err
}
