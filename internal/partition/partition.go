// Package partition provides named, bounds checked views onto a flash device.
package partition

import (
	"errors"
	"fmt"

	"github.com/autopeer-io/flashota/internal/flash"
)

// Role tags what a partition holds.
type Role string

const (
	RoleApp        Role = "app"
	RoleOTAScratch Role = "ota-scratch"
	RoleFilesystem Role = "filesystem"
	RoleBootConfig Role = "boot-config"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleApp, RoleOTAScratch, RoleFilesystem, RoleBootConfig:
		return true
	}
	return false
}

// ErrReadOnly is returned for writes and erases on a read-only partition.
var ErrReadOnly = errors.New("partition: read-only")

// Device is the flash device a partition maps onto.
type Device interface {
	Read(addr uint32, p []byte) (int, error)
	Write(addr uint32, p []byte) (int, error)
	EraseRange(addr, size uint32) error
	Size() (uint32, error)
}

var _ Device = (*flash.Device)(nil)

// Spec is one row of a partition table.
type Spec struct {
	Name     string `json:"name"`
	Address  uint32 `json:"address"`
	Size     uint32 `json:"size"`
	Role     Role   `json:"role"`
	ReadOnly bool   `json:"readOnly"`
}

// End returns the first address past the partition.
func (s Spec) End() uint64 {
	return uint64(s.Address) + uint64(s.Size)
}

// Partition is a view of [Address, Address+Size) on a Device.
type Partition struct {
	spec Spec
	dev  Device
}

// New binds spec to dev without validation; use NewTable for checked tables.
func New(dev Device, spec Spec) *Partition {
	return &Partition{spec: spec, dev: dev}
}

func (p *Partition) Name() string { return p.spec.Name }

func (p *Partition) Address() uint32 { return p.spec.Address }

func (p *Partition) Size() uint32 { return p.spec.Size }

func (p *Partition) Role() Role { return p.spec.Role }

func (p *Partition) ReadOnly() bool { return p.spec.ReadOnly }

func (p *Partition) Spec() Spec { return p.spec }

func (p *Partition) Device() Device { return p.dev }

func (p *Partition) String() string {
	return fmt.Sprintf("%s@0x%08x+0x%x", p.spec.Name, p.spec.Address, p.spec.Size)
}

// Contains reports whether device address addr falls inside the partition.
func (p *Partition) Contains(addr uint32) bool {
	return addr >= p.spec.Address && uint64(addr) < p.spec.End()
}

// DeviceAddress translates offset into a device address, failing with
// flash.ErrOutOfRange if [offset, offset+n) leaves the partition.
func (p *Partition) DeviceAddress(offset, n uint32) (uint32, error) {
	if uint64(offset)+uint64(n) > uint64(p.spec.Size) {
		return 0, fmt.Errorf("partition %s: %w", p.spec.Name, &flash.RangeError{Addr: offset, Len: n, Limit: p.spec.Size})
	}
	return p.spec.Address + offset, nil
}

// Read reads len(b) bytes at offset.
func (p *Partition) Read(offset uint32, b []byte) (int, error) {
	addr, err := p.DeviceAddress(offset, uint32(len(b)))
	if err != nil {
		return 0, err
	}
	return p.dev.Read(addr, b)
}

// Write writes b at offset.
func (p *Partition) Write(offset uint32, b []byte) (int, error) {
	if p.spec.ReadOnly {
		return 0, fmt.Errorf("partition %s: %w", p.spec.Name, ErrReadOnly)
	}
	addr, err := p.DeviceAddress(offset, uint32(len(b)))
	if err != nil {
		return 0, err
	}
	return p.dev.Write(addr, b)
}

// Erase erases n bytes at offset. Both must be sector aligned.
func (p *Partition) Erase(offset, n uint32) error {
	if p.spec.ReadOnly {
		return fmt.Errorf("partition %s: %w", p.spec.Name, ErrReadOnly)
	}
	addr, err := p.DeviceAddress(offset, n)
	if err != nil {
		return err
	}
	return p.dev.EraseRange(addr, n)
}
