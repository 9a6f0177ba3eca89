package storage

import (
	"errors"
	"testing"

	"github.com/spf13/afero"

	"github.com/autopeer-io/flashota/internal/flash"
	"github.com/autopeer-io/flashota/internal/flash/flashtest"
	"github.com/autopeer-io/flashota/pkg/options"
)

func TestNewHost(t *testing.T) {
	fs := afero.NewMemMapFs()
	fo := options.NewFlashOptions()
	fo.Path = "/var/lib/flashota/flash.bin"

	c, err := New(fo, options.NewPartitionOptions(), WithFs(fs))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if size, _ := c.Device().Size(); size != fo.InitialSize {
		t.Errorf("device size = %#x, want %#x", size, fo.InitialSize)
	}
	if n := len(c.Table().AppSlots()); n != 2 {
		t.Errorf("app slots = %d, want 2", n)
	}
	idx, p, err := c.Boot().Current()
	if err != nil {
		t.Fatal(err)
	}
	if idx != 0 || p.Name() != "rom0" {
		t.Errorf("Current() = %d, %s", idx, p.Name())
	}
	if ok, _ := afero.Exists(fs, fo.Path); !ok {
		t.Error("backing file not created")
	}
}

func TestNewSPIAndXIP(t *testing.T) {
	for _, backend := range []string{options.FlashBackendSPI, options.FlashBackendXIP} {
		t.Run(backend, func(t *testing.T) {
			chip := flashtest.NewChip(0x400000)
			wd := &flashtest.Watchdog{}
			fo := options.NewFlashOptions()
			fo.Backend = backend

			c, err := New(fo, options.NewPartitionOptions(), WithBus(chip), WithController(chip), WithWatchdog(wd))
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()

			info, err := c.Device().Info()
			if err != nil {
				t.Fatal(err)
			}
			if info.Size != 0x400000 || info.SizeSource != flash.SizeFromSFDP {
				t.Errorf("info = %+v", info)
			}
			// Writing the default boot record erased one sector.
			if wd.Count() == 0 {
				t.Error("watchdog not fed during erase")
			}
		})
	}
}

func TestNewErrors(t *testing.T) {
	t.Run("xip without controller", func(t *testing.T) {
		fo := options.NewFlashOptions()
		fo.Backend = options.FlashBackendXIP
		_, err := New(fo, options.NewPartitionOptions(), WithBus(flashtest.NewChip(0x400000)))
		if !errors.Is(err, ErrNoController) {
			t.Errorf("got %v, want ErrNoController", err)
		}
	})

	t.Run("xip without controller or bus", func(t *testing.T) {
		fo := options.NewFlashOptions()
		fo.Backend = options.FlashBackendXIP
		fo.Device = "/nonexistent/spidev0.0"
		_, err := New(fo, options.NewPartitionOptions())
		if !errors.Is(err, ErrNoController) {
			t.Errorf("got %v, want ErrNoController", err)
		}
	})

	t.Run("table beyond device", func(t *testing.T) {
		fo := options.NewFlashOptions()
		fo.InitialSize = 0x100000
		_, err := New(fo, options.NewPartitionOptions(), WithFs(afero.NewMemMapFs()))
		if err == nil {
			t.Error("expected partition table error")
		}
	})

	t.Run("unknown backend", func(t *testing.T) {
		fo := options.NewFlashOptions()
		fo.Backend = "emmc"
		if _, err := New(fo, options.NewPartitionOptions()); err == nil {
			t.Error("expected error")
		}
	})
}

func TestSpecs(t *testing.T) {
	po := &options.PartitionOptions{Entries: []options.PartitionEntry{
		{Name: "fs", Address: 0x1000, Size: 0x2000, Role: options.RoleFilesystem, ReadOnly: true},
	}}
	specs := Specs(po)
	if len(specs) != 1 || specs[0].Role != "filesystem" || !specs[0].ReadOnly || specs[0].Size != 0x2000 {
		t.Errorf("Specs() = %+v", specs)
	}
}
