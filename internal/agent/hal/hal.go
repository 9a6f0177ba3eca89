// Package hal is the agent's view of the system it runs on: which firmware
// version is running, who the device is and how to start the new image.
package hal

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/autopeer-io/flashota/pkg/log"
	"github.com/autopeer-io/flashota/pkg/version"
)

// EnvDeviceID overrides the discovered device id.
const EnvDeviceID = "FLASHOTA_DEVICE_ID"

// DeviceIDFile holds the device id when the environment does not.
const DeviceIDFile = "/etc/flashota/device-id"

// DefaultRestartDelay leaves time for the final status report to go out.
const DefaultRestartDelay = 2 * time.Second

// HAL abstracts the system services the agent depends on.
type HAL interface {
	// RunningVersion is the patch version of the running firmware.
	RunningVersion() uint64

	// DeviceID identifies this device, or is empty.
	DeviceID() string

	// Restart starts the freshly committed firmware. It returns once the
	// restart is scheduled.
	Restart(ctx context.Context) error
}

// ExecFunc replaces the process image, as syscall.Exec does.
type ExecFunc func(argv0 string, argv []string, envv []string) error

// System is the HAL of a Linux host. Restart re-executes the running binary.
type System struct {
	fs       afero.Fs
	override uint64
	delay    time.Duration
	exec     ExecFunc

	once sync.Once
}

var _ HAL = (*System)(nil)

// Option configures a System.
type Option func(*System)

// WithRunningVersion overrides the compiled-in patch version. Zero keeps it.
func WithRunningVersion(v uint64) Option {
	return func(s *System) { s.override = v }
}

// WithRestartDelay sets how long Restart waits before re-executing.
func WithRestartDelay(d time.Duration) Option {
	return func(s *System) { s.delay = d }
}

// WithExec replaces the exec call.
func WithExec(fn ExecFunc) Option {
	return func(s *System) { s.exec = fn }
}

// WithFs sets the filesystem DeviceID reads from.
func WithFs(fs afero.Fs) Option {
	return func(s *System) { s.fs = fs }
}

// New returns the HAL of the running host.
func New(opts ...Option) *System {
	s := &System{
		fs:    afero.NewOsFs(),
		delay: DefaultRestartDelay,
		exec:  execSelf,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *System) RunningVersion() uint64 {
	if s.override != 0 {
		return s.override
	}
	return version.PatchVersion()
}

func (s *System) DeviceID() string {
	if id := os.Getenv(EnvDeviceID); id != "" {
		return id
	}
	if data, err := afero.ReadFile(s.fs, DeviceIDFile); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return ""
}

// Restart re-executes the binary after the restart delay. Later calls are
// ignored.
func (s *System) Restart(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	s.once.Do(func() {
		log.Warn("Restart scheduled", "executable", exe, "delay", s.delay)
		go func() {
			time.Sleep(s.delay)
			if err := s.exec(exe, os.Args, os.Environ()); err != nil {
				log.Error(err, "Re-exec failed, new firmware boots on next reset")
			}
		}()
	})
	return nil
}
