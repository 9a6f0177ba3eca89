package partition

import (
	"errors"
	"fmt"
	"slices"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/autopeer-io/flashota/internal/flash"
)

// ErrNotFound is returned when no partition matches a lookup.
var ErrNotFound = errors.New("partition: not found")

// Table is the static partition layout of a device, sorted by address.
type Table struct {
	parts []*Partition
}

// NewTable validates specs against dev and binds them. Every problem found
// is reported in one aggregate error.
func NewTable(dev Device, specs []Spec) (*Table, error) {
	size, err := dev.Size()
	if err != nil {
		return nil, err
	}

	sorted := slices.Clone(specs)
	slices.SortFunc(sorted, func(a, b Spec) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		}
		return 0
	})

	var errs []error
	names := make(map[string]bool, len(sorted))
	for i, s := range sorted {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("partition at 0x%08x has no name", s.Address))
		} else if names[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate partition %q", s.Name))
		}
		names[s.Name] = true

		if !s.Role.Valid() {
			errs = append(errs, fmt.Errorf("partition %q has unknown role %q", s.Name, s.Role))
		}
		if s.Size == 0 {
			errs = append(errs, fmt.Errorf("partition %q is empty", s.Name))
		}
		if s.Address%flash.SectorSize != 0 {
			errs = append(errs, fmt.Errorf("partition %q at 0x%08x is not sector aligned", s.Name, s.Address))
		}
		if s.Size%flash.SectorSize != 0 {
			errs = append(errs, fmt.Errorf("partition %q size 0x%x is not a whole number of sectors", s.Name, s.Size))
		}
		if s.End() > uint64(size) {
			errs = append(errs, fmt.Errorf("partition %q ends at 0x%x beyond the 0x%x byte device", s.Name, s.End(), size))
		}
		if i > 0 && sorted[i-1].End() > uint64(s.Address) {
			errs = append(errs, fmt.Errorf("partitions %q and %q overlap", sorted[i-1].Name, s.Name))
		}
	}
	if len(errs) > 0 {
		return nil, utilerrors.NewAggregate(errs)
	}

	t := &Table{parts: make([]*Partition, len(sorted))}
	for i, s := range sorted {
		t.parts[i] = New(dev, s)
	}
	return t, nil
}

// All returns every partition in address order.
func (t *Table) All() []*Partition {
	return slices.Clone(t.parts)
}

// Find returns the partition called name.
func (t *Table) Find(name string) (*Partition, error) {
	for _, p := range t.parts {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// FindByRole returns the partitions with role r in address order.
func (t *Table) FindByRole(r Role) []*Partition {
	var out []*Partition
	for _, p := range t.parts {
		if p.Role() == r {
			out = append(out, p)
		}
	}
	return out
}

// AppSlots returns the application partitions in address order.
func (t *Table) AppSlots() []*Partition {
	return t.FindByRole(RoleApp)
}

// At returns the partition containing device address addr.
func (t *Table) At(addr uint32) (*Partition, error) {
	for _, p := range t.parts {
		if p.Contains(addr) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: no partition at 0x%08x", ErrNotFound, addr)
}
