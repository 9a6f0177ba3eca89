package boot

import (
	"errors"
	"fmt"
	"sync"

	"github.com/autopeer-io/flashota/internal/flash"
	"github.com/autopeer-io/flashota/internal/partition"
	"github.com/autopeer-io/flashota/pkg/log"
)

// Selector persists the active ROM in the boot-config partition.
type Selector struct {
	mu sync.Mutex

	part  *partition.Partition
	table *partition.Table

	// cfg is read once by Load and replaced on every store.
	cfg *Config
}

// NewSelector returns a Selector over the boot-config partition of table.
func NewSelector(table *partition.Table) (*Selector, error) {
	parts := table.FindByRole(partition.RoleBootConfig)
	if len(parts) != 1 {
		return nil, fmt.Errorf("boot: want one %s partition, found %d", partition.RoleBootConfig, len(parts))
	}
	if parts[0].Size() < flash.SectorSize {
		return nil, fmt.Errorf("boot: partition %s is smaller than a sector", parts[0].Name())
	}
	return &Selector{part: parts[0], table: table}, nil
}

// Partition returns the partition holding the record.
func (s *Selector) Partition() *partition.Partition {
	return s.part
}

// Load reads the record. A missing or corrupt record is replaced by a
// default one listing the table's application slots.
func (s *Selector) Load() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load()
}

func (s *Selector) load() (Config, error) {
	if s.cfg != nil {
		return *s.cfg, nil
	}

	b := make([]byte, RecordSize)
	if _, err := s.part.Read(0, b); err != nil {
		return Config{}, fmt.Errorf("boot: read record: %w", err)
	}

	var cfg Config
	err := cfg.UnmarshalBinary(b)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		log.Warn("Boot record invalid, writing defaults", "partition", s.part.Name(), "reason", err.Error())
		cfg, err = s.defaults()
		if err != nil {
			return Config{}, err
		}
		if err := s.store(cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}

	s.cfg = &cfg
	return cfg, nil
}

func (s *Selector) defaults() (Config, error) {
	slots := s.table.AppSlots()
	if len(slots) == 0 {
		return Config{}, errors.New("boot: partition table has no application slots")
	}
	addrs := make([]uint32, 0, MaxROMs)
	for _, p := range slots {
		if len(addrs) == MaxROMs {
			break
		}
		addrs = append(addrs, p.Address())
	}
	return DefaultConfig(addrs...), nil
}

// Current returns the active ROM index and the partition it lives in.
func (s *Selector) Current() (int, *partition.Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.load()
	if err != nil {
		return -1, nil, err
	}
	p, err := s.table.At(cfg.ROMs[cfg.CurrentROM])
	if err != nil {
		return -1, nil, fmt.Errorf("boot: rom %d: %w", cfg.CurrentROM, err)
	}
	return int(cfg.CurrentROM), p, nil
}

// SetCurrent makes ROM index the one booted next.
func (s *Selector) SetCurrent(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.load()
	if err != nil {
		return err
	}
	if index < 0 || index >= int(cfg.Count) {
		return fmt.Errorf("%w: index %d of %d", ErrNoSuchROM, index, cfg.Count)
	}
	if int(cfg.CurrentROM) == index {
		return nil
	}
	cfg.CurrentROM = uint8(index)
	return s.store(cfg)
}

// SetBootPartition makes the ROM stored in p the one booted next.
func (s *Selector) SetBootPartition(p *partition.Partition) error {
	s.mu.Lock()
	cfg, err := s.load()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	index, err := cfg.IndexOf(p.Address())
	if err != nil {
		return fmt.Errorf("boot: partition %s: %w", p.Name(), err)
	}
	return s.SetCurrent(index)
}

// IndexOf returns the ROM index whose address is the start of p.
func (s *Selector) IndexOf(p *partition.Partition) (int, error) {
	cfg, err := s.Load()
	if err != nil {
		return -1, err
	}
	return cfg.IndexOf(p.Address())
}

// store rewrites the record with a single erase and a single write.
func (s *Selector) store(cfg Config) error {
	b, err := cfg.MarshalBinary()
	if err != nil {
		return err
	}
	if err := s.part.Erase(0, flash.SectorSize); err != nil {
		return fmt.Errorf("boot: erase record: %w", err)
	}
	if _, err := s.part.Write(0, b); err != nil {
		return fmt.Errorf("boot: write record: %w", err)
	}

	s.cfg = &cfg
	log.Info("Boot record stored", "currentROM", cfg.CurrentROM, "address", log.Hex(cfg.ROMs[cfg.CurrentROM]))
	return nil
}
