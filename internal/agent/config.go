package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"

	"github.com/autopeer-io/flashota/internal/agent/hal"
	"github.com/autopeer-io/flashota/internal/ota"
	"github.com/autopeer-io/flashota/internal/storage"
	"github.com/autopeer-io/flashota/internal/transport"
	"github.com/autopeer-io/flashota/internal/transport/httpapi"
	mqtttransport "github.com/autopeer-io/flashota/internal/transport/mqtt"
	"github.com/autopeer-io/flashota/internal/transport/s3"
	"github.com/autopeer-io/flashota/internal/transport/spool"
	"github.com/autopeer-io/flashota/pkg/log"
	"github.com/autopeer-io/flashota/pkg/mqtt"
	"github.com/autopeer-io/flashota/pkg/options"
)

// ErrNoTransport is returned when every transport is disabled.
var ErrNoTransport = errors.New("agent: no transport enabled")

// Config is everything the agent is built from.
type Config struct {
	FlashOptions     *options.FlashOptions
	PartitionOptions *options.PartitionOptions
	OTAOptions       *options.OTAOptions
	MqttOptions      *options.MqttOptions
	HttpOptions      *options.HttpOptions
	S3Options        *options.S3Options
	SpoolOptions     *options.SpoolOptions

	// HAL defaults to the running host.
	HAL hal.HAL
	// StorageOptions reach hardware other than the configured one.
	StorageOptions []storage.Option
	// MqttClient replaces the client built from MqttOptions.
	MqttClient mqtt.Client
	// SpoolFs defaults to the OS filesystem.
	SpoolFs afero.Fs
}

// NewAgent opens the flash and builds every enabled transport.
func (cfg *Config) NewAgent() (_ *Agent, err error) {
	if cfg.HAL == nil {
		cfg.HAL = hal.New(hal.WithRunningVersion(cfg.OTAOptions.RunningVersion))
	}

	variant, err := ota.NewVariant(cfg.OTAOptions)
	if err != nil {
		return nil, err
	}

	sc, err := storage.New(cfg.FlashOptions, cfg.PartitionOptions, cfg.StorageOptions...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = sc.Close()
		}
	}()

	a := &Agent{storage: sc, hal: cfg.HAL}
	a.dispatcher = transport.NewDispatcher(a.sessionFactory(cfg.OTAOptions, variant))

	if err := cfg.addTransports(a); err != nil {
		return nil, err
	}
	if len(a.modules) == 0 {
		return nil, ErrNoTransport
	}
	return a, nil
}

func (a *Agent) sessionFactory(o *options.OTAOptions, variant ota.Variant) func() *ota.Session {
	var restart func(context.Context) error
	if o.Restart {
		restart = a.hal.Restart
	}
	running := a.hal.RunningVersion()
	log.Info("Update policy", "variant", variant.Name(), "header", o.VersionHeader, "runningVersion", running)

	return func() *ota.Session {
		return ota.NewSession(ota.Config{
			Header:         ota.HeaderMode(o.VersionHeader),
			MaxHeaderBytes: o.MaxHeaderBytes,
			RunningVersion: running,
			Variant:        variant,
			Table:          a.storage.Table(),
			Boot:           a.storage.Boot(),
			Restart:        restart,
		})
	}
}

func (cfg *Config) addTransports(a *Agent) error {
	chunk := cfg.OTAOptions.ChunkSize

	if o := cfg.HttpOptions; o != nil && o.Enabled {
		srv := httpapi.NewServer(httpapi.Config{
			Dispatcher: a.dispatcher,
			Device:     a.storage.Device(),
			Table:      a.storage.Table(),
			Boot:       a.storage.Boot(),
			ChunkSize:  chunk,
		})
		a.add(httpapi.Source, func(ctx context.Context) error { return srv.Run(ctx, o) })
	}

	if o := cfg.MqttOptions; o != nil && o.Enabled {
		if o.DeviceID == "" && o.ClientID == "" {
			o.DeviceID = a.hal.DeviceID()
		}
		client := cfg.MqttClient
		if client == nil {
			mc := o.ToClientConfig()
			if mc.ClientID == "" {
				mc.ClientID = fmt.Sprintf("flashota-%s", o.DeviceID)
			}
			var err error
			if client, err = mqtt.NewClient(mc); err != nil {
				return fmt.Errorf("failed to init mqtt client: %w", err)
			}
		}
		t := mqtttransport.New(client, a.dispatcher, o, chunk)
		a.add(mqtttransport.Source, t.Run)
	}

	if o := cfg.S3Options; o != nil && o.Enabled {
		f, err := s3.New(o, a.dispatcher, chunk)
		if err != nil {
			return err
		}
		a.add(s3.Source, func(ctx context.Context) error {
			f.Poll(ctx, o.ObjectKey, o.PollInterval)
			return nil
		})
	}

	if o := cfg.SpoolOptions; o != nil && o.Enabled {
		fs := cfg.SpoolFs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		sp := spool.New(fs, o, a.dispatcher, chunk)
		a.add(spool.Source, sp.Run)
	}
	return nil
}
