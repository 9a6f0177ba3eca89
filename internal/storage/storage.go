// Package storage builds the flash stack once at startup and tears it down at
// exit. It replaces process globals: everything that touches flash receives
// the Context or one of its parts.
package storage

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/autopeer-io/flashota/internal/boot"
	"github.com/autopeer-io/flashota/internal/flash"
	"github.com/autopeer-io/flashota/internal/flash/host"
	"github.com/autopeer-io/flashota/internal/flash/spi"
	"github.com/autopeer-io/flashota/internal/flash/xip"
	"github.com/autopeer-io/flashota/internal/partition"
	"github.com/autopeer-io/flashota/internal/watchdog"
	"github.com/autopeer-io/flashota/pkg/log"
	"github.com/autopeer-io/flashota/pkg/options"
)

// ErrNoController is returned for the xip backend when no controller was
// supplied with WithController. There is no controller for the stock agent,
// only for programs that embed the storage stack on a memory-mapped part.
var ErrNoController = errors.New("storage: xip backend needs a controller")

// Context owns the flash device, its partition table and the boot selector.
type Context struct {
	device *flash.Device
	table  *partition.Table
	boot   *boot.Selector

	closers []io.Closer
}

type config struct {
	fs       afero.Fs
	bus      spi.Bus
	ctrl     xip.Controller
	mask     flash.InterruptMask
	watchdog flash.Watchdog
}

// Option overrides how New reaches the hardware.
type Option func(*config)

// WithFs sets the filesystem of the host backend. Defaults to the OS.
func WithFs(fs afero.Fs) Option {
	return func(c *config) { c.fs = fs }
}

// WithBus sets the SPI bus instead of opening the spidev node.
func WithBus(bus spi.Bus) Option {
	return func(c *config) { c.bus = bus }
}

// WithController sets the XIP controller used by the xip backend.
func WithController(ctrl xip.Controller) Option {
	return func(c *config) { c.ctrl = ctrl }
}

// WithInterruptMask sets the mask held around program and erase commands.
func WithInterruptMask(m flash.InterruptMask) Option {
	return func(c *config) { c.mask = m }
}

// WithWatchdog sets the watchdog instead of opening the configured device.
func WithWatchdog(w flash.Watchdog) Option {
	return func(c *config) { c.watchdog = w }
}

// New builds the device described by fo, binds the table in po and loads
// the boot record.
func New(fo *options.FlashOptions, po *options.PartitionOptions, opts ...Option) (_ *Context, err error) {
	cfg := &config{fs: afero.NewOsFs(), mask: flash.NopInterruptMask()}
	for _, o := range opts {
		o(cfg)
	}

	c := &Context{}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	backend, err := c.backend(fo, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.watchdog == nil && fo.Watchdog != "" {
		wd, err := watchdog.Open(fo.Watchdog)
		if err != nil {
			return nil, fmt.Errorf("storage: open watchdog: %w", err)
		}
		c.closers = append(c.closers, closerFunc(wd.MagicClose))
		cfg.watchdog = wd
	}

	devOpts := []flash.Option{flash.WithInterruptMask(cfg.mask)}
	if cfg.watchdog != nil {
		devOpts = append(devOpts, flash.WithWatchdog(cfg.watchdog))
	}
	c.device = flash.NewDevice(backend, devOpts...)
	c.closers = append(c.closers, c.device)

	info, err := c.device.Info()
	if err != nil {
		return nil, fmt.Errorf("storage: probe flash: %w", err)
	}
	log.Info("Flash ready", "backend", fo.Backend, "id", log.Hex(info.ID), "size", info.Size,
		"sizeSource", info.SizeSource, "addressMode", info.AddressMode.String())

	c.table, err = partition.NewTable(c.device, Specs(po))
	if err != nil {
		return nil, fmt.Errorf("storage: partition table: %w", err)
	}

	c.boot, err = boot.NewSelector(c.table)
	if err != nil {
		return nil, err
	}
	if _, err := c.boot.Load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Context) backend(fo *options.FlashOptions, cfg *config) (flash.Backend, error) {
	switch fo.Backend {
	case options.FlashBackendHost:
		return host.New(cfg.fs, host.Options{
			Path:        fo.Path,
			InitialSize: fo.InitialSize,
			EmulateNOR:  fo.EmulateNOR,
		}), nil
	case options.FlashBackendSPI, options.FlashBackendXIP:
		if fo.Backend == options.FlashBackendXIP && cfg.ctrl == nil {
			return nil, ErrNoController
		}
		bus := cfg.bus
		if bus == nil {
			dev, err := spi.OpenSpidev(fo.Device, fo.SpeedHz)
			if err != nil {
				return nil, fmt.Errorf("storage: %w: %w", flash.ErrMediumUnavailable, err)
			}
			c.closers = append(c.closers, dev)
			bus = dev
		}
		if fo.Backend == options.FlashBackendSPI {
			return spi.New(bus), nil
		}
		return xip.New(cfg.ctrl, bus), nil
	}
	return nil, fmt.Errorf("storage: unknown flash backend %q", fo.Backend)
}

// Specs converts configured entries into partition specs.
func Specs(po *options.PartitionOptions) []partition.Spec {
	specs := make([]partition.Spec, 0, len(po.Entries))
	for _, e := range po.Entries {
		specs = append(specs, partition.Spec{
			Name:     e.Name,
			Address:  e.Address,
			Size:     e.Size,
			Role:     partition.Role(e.Role),
			ReadOnly: e.ReadOnly,
		})
	}
	return specs
}

// Device returns the flash device.
func (c *Context) Device() *flash.Device { return c.device }

// Table returns the partition table.
func (c *Context) Table() *partition.Table { return c.table }

// Boot returns the boot selector.
func (c *Context) Boot() *boot.Selector { return c.boot }

// Close releases the device and every handle New opened, newest first.
func (c *Context) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return utilerrors.NewAggregate(errs)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
