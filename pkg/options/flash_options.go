package options

import (
	"fmt"

	"github.com/spf13/pflag"
)

var _ IOptions = (*FlashOptions)(nil)

// Flash backend names.
const (
	FlashBackendHost = "host"
	FlashBackendSPI  = "spi"
	FlashBackendXIP  = "xip"
)

// FlashOptions selects and configures the flash medium.
type FlashOptions struct {
	// Backend is one of "host", "spi" or "xip".
	Backend string `json:"backend" mapstructure:"backend"`

	// Path is the backing file of the host emulation.
	Path string `json:"path" mapstructure:"path"`

	// InitialSize is the size a new backing file is extended to.
	InitialSize uint32 `json:"initial-size" mapstructure:"initial-size"`

	// EmulateNOR makes the host backend behave like NOR flash: erase sets
	// every byte to 0xFF and programming can only clear bits.
	EmulateNOR bool `json:"emulate-nor" mapstructure:"emulate-nor"`

	// Device is the spidev node used by the spi backend.
	Device string `json:"device" mapstructure:"device"`

	// SpeedHz is the SPI clock used by the spi backend.
	SpeedHz uint32 `json:"speed-hz" mapstructure:"speed-hz"`

	// Watchdog is the watchdog device fed between erased sectors. Empty disables it.
	Watchdog string `json:"watchdog" mapstructure:"watchdog"`
}

// NewFlashOptions returns host emulation defaults: a 4 MiB flash.bin.
func NewFlashOptions() *FlashOptions {
	return &FlashOptions{
		Backend:     FlashBackendHost,
		Path:        "flash.bin",
		InitialSize: 0x400000,
		EmulateNOR:  true,
		Device:      "/dev/spidev0.0",
		SpeedHz:     10_000_000,
	}
}

// Validate checks the backend name and its required settings.
func (o *FlashOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	switch o.Backend {
	case FlashBackendHost:
		if o.Path == "" {
			errs = append(errs, fmt.Errorf("--flash.path is required for the host backend"))
		}
		if o.InitialSize == 0 || o.InitialSize%4096 != 0 {
			errs = append(errs, fmt.Errorf("--flash.initial-size must be a non-zero multiple of 4096, got %d", o.InitialSize))
		}
	case FlashBackendSPI, FlashBackendXIP:
		if o.Device == "" {
			errs = append(errs, fmt.Errorf("--flash.device is required for the %s backend", o.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown flash backend %q", o.Backend))
	}
	return errs
}

// AddFlags adds flags for FlashOptions to the specified FlagSet.
func (o *FlashOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Backend, "flash.backend", o.Backend, "Flash backend: host, spi or xip. xip needs a memory-mapped controller supplied by an embedding program; the stock agent supports host and spi.")
	fs.StringVar(&o.Path, "flash.path", o.Path, "Backing file for the host flash emulation.")
	fs.Uint32Var(&o.InitialSize, "flash.initial-size", o.InitialSize, "Size in bytes of a newly created backing file.")
	fs.BoolVar(&o.EmulateNOR, "flash.emulate-nor", o.EmulateNOR, "Emulate NOR semantics (erase to 0xFF, program clears bits) in the host backend.")
	fs.StringVar(&o.Device, "flash.device", o.Device, "spidev node for the spi and xip backends.")
	fs.Uint32Var(&o.SpeedHz, "flash.speed-hz", o.SpeedHz, "SPI clock speed in Hz.")
	fs.StringVar(&o.Watchdog, "flash.watchdog", o.Watchdog, "Watchdog device fed while erasing (e.g. /dev/watchdog). Empty disables it.")
}
