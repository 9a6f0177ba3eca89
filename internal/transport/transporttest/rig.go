// Package transporttest builds a dispatcher over an in-memory device for
// transport tests.
package transporttest

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"

	"github.com/autopeer-io/flashota/internal/boot"
	"github.com/autopeer-io/flashota/internal/flash"
	"github.com/autopeer-io/flashota/internal/flash/host"
	"github.com/autopeer-io/flashota/internal/ota"
	"github.com/autopeer-io/flashota/internal/partition"
	"github.com/autopeer-io/flashota/internal/transport"
)

// RunningVersion is the firmware version the rig pretends to run.
const RunningVersion = 2

// SlotSize is the size of both application slots.
const SlotSize = 0x10000

// Rig is a two-slot device behind a Dispatcher.
type Rig struct {
	Device     *flash.Device
	Table      *partition.Table
	Boot       *boot.Selector
	Dispatcher *transport.Dispatcher

	restarts atomic.Int32
}

// NewRig returns a rig booted from rom0.
func NewRig(t testing.TB) *Rig {
	t.Helper()

	dev := flash.NewDevice(host.New(afero.NewMemMapFs(), host.Options{Path: "flash.bin", InitialSize: 0x40000, EmulateNOR: true}))
	tbl, err := partition.NewTable(dev, []partition.Spec{
		{Name: "rboot-config", Address: 0x1000, Size: 0x1000, Role: partition.RoleBootConfig},
		{Name: "rom0", Address: 0x2000, Size: SlotSize, Role: partition.RoleApp},
		{Name: "rom1", Address: 0x12000, Size: SlotSize, Role: partition.RoleApp},
	})
	if err != nil {
		t.Fatal(err)
	}
	sel, err := boot.NewSelector(tbl)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sel.Load(); err != nil {
		t.Fatal(err)
	}

	r := &Rig{Device: dev, Table: tbl, Boot: sel}
	r.Dispatcher = transport.NewDispatcher(func() *ota.Session {
		return ota.NewSession(ota.Config{
			Header:         ota.HeaderFixed,
			RunningVersion: RunningVersion,
			Variant:        ota.Standard{},
			Table:          tbl,
			Boot:           sel,
			Restart: func(context.Context) error {
				r.restarts.Add(1)
				return nil
			},
		})
	})
	return r
}

// Restarts returns how often a committed session asked for a restart.
func (r *Rig) Restarts() int {
	return int(r.restarts.Load())
}

// Current returns the name of the partition the boot record points at.
func (r *Rig) Current(t testing.TB) string {
	t.Helper()
	_, p, err := r.Boot.Current()
	if err != nil {
		t.Fatal(err)
	}
	return p.Name()
}

// Slot reads the first n bytes of the named partition.
func (r *Rig) Slot(t testing.TB, name string, n int) []byte {
	t.Helper()
	p, err := r.Table.Find(name)
	if err != nil {
		t.Fatal(err)
	}
	b := make([]byte, n)
	if _, err := p.Read(0, b); err != nil {
		t.Fatal(err)
	}
	return b
}

// Message returns a fixed-header update message for version and image.
func Message(version byte, image []byte) []byte {
	return append([]byte{version}, image...)
}
