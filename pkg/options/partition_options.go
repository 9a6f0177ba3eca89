package options

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

var _ IOptions = (*PartitionOptions)(nil)

// Partition roles.
const (
	RoleApp        = "app"
	RoleOTAScratch = "ota-scratch"
	RoleFilesystem = "filesystem"
	RoleBootConfig = "boot-config"
)

// PartitionEntry is one row of the static partition table.
type PartitionEntry struct {
	Name     string `json:"name" mapstructure:"name"`
	Address  uint32 `json:"address" mapstructure:"address"`
	Size     uint32 `json:"size" mapstructure:"size"`
	Role     string `json:"role" mapstructure:"role"`
	ReadOnly bool   `json:"read-only" mapstructure:"read-only"`
}

// PartitionOptions holds the partition table. It is fixed at startup.
type PartitionOptions struct {
	Entries []PartitionEntry `json:"entries" mapstructure:"entries"`

	// Specs is the flag form of Entries: name:address:size:role[:ro].
	Specs []string `json:"-" mapstructure:"-"`
}

// NewPartitionOptions returns the default rBoot two-slot layout for a 4 MiB chip.
func NewPartitionOptions() *PartitionOptions {
	return &PartitionOptions{
		Entries: []PartitionEntry{
			{Name: "rboot-config", Address: 0x1000, Size: 0x1000, Role: RoleBootConfig},
			{Name: "rom0", Address: 0x2000, Size: 0xF8000, Role: RoleApp},
			{Name: "rom1", Address: 0x102000, Size: 0xF8000, Role: RoleApp},
			{Name: "spiffs0", Address: 0x200000, Size: 0x100000, Role: RoleFilesystem},
		},
	}
}

// Complete replaces Entries with the table given on the command line, if any.
func (o *PartitionOptions) Complete() error {
	if len(o.Specs) == 0 {
		return nil
	}

	entries := make([]PartitionEntry, 0, len(o.Specs))
	for _, spec := range o.Specs {
		e, err := ParsePartitionEntry(spec)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	o.Entries = entries
	return nil
}

// ParsePartitionEntry parses "name:address:size:role[:ro]".
func ParsePartitionEntry(spec string) (PartitionEntry, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 4 || len(parts) > 5 {
		return PartitionEntry{}, fmt.Errorf("invalid partition %q: want name:address:size:role[:ro]", spec)
	}

	addr, err := parseUint32(parts[1])
	if err != nil {
		return PartitionEntry{}, fmt.Errorf("invalid partition %q address: %w", spec, err)
	}
	size, err := parseUint32(parts[2])
	if err != nil {
		return PartitionEntry{}, fmt.Errorf("invalid partition %q size: %w", spec, err)
	}

	e := PartitionEntry{Name: parts[0], Address: addr, Size: size, Role: parts[3]}
	if len(parts) == 5 {
		if parts[4] != "ro" {
			return PartitionEntry{}, fmt.Errorf("invalid partition %q flag %q", spec, parts[4])
		}
		e.ReadOnly = true
	}
	return e, nil
}

// Validate checks field-level constraints. Overlap and device bounds are
// checked when the table is bound to a device.
func (o *PartitionOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	seen := map[string]bool{}
	bootConfigs := 0
	for _, e := range o.Entries {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("partition at 0x%x has no name", e.Address))
		}
		if seen[e.Name] {
			errs = append(errs, fmt.Errorf("duplicate partition name %q", e.Name))
		}
		seen[e.Name] = true
		if e.Size == 0 {
			errs = append(errs, fmt.Errorf("partition %q has zero size", e.Name))
		}
		switch e.Role {
		case RoleApp, RoleOTAScratch, RoleFilesystem:
		case RoleBootConfig:
			bootConfigs++
		default:
			errs = append(errs, fmt.Errorf("partition %q has unknown role %q", e.Name, e.Role))
		}
	}
	if bootConfigs != 1 {
		errs = append(errs, fmt.Errorf("exactly one %s partition is required, found %d", RoleBootConfig, bootConfigs))
	}
	return errs
}

// AddFlags adds flags for PartitionOptions to the specified FlagSet.
func (o *PartitionOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringSliceVar(&o.Specs, "partitions.table", o.Specs,
		"Partition table as name:address:size:role[:ro] entries, replacing the configured table.")
}
