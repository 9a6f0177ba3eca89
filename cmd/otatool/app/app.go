// Package app implements otatool, the operator's companion to the agent: it
// packs images into update messages, publishes them and inspects a flash.
package app

import (
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/autopeer-io/flashota/pkg/app"
	"github.com/autopeer-io/flashota/pkg/log"
	"github.com/autopeer-io/flashota/pkg/mqtt"
	"github.com/autopeer-io/flashota/pkg/options"
	"github.com/autopeer-io/flashota/pkg/version"
)

const commandName = "otatool"

// toolOptions mirrors the agent's configuration file so both can share it.
type toolOptions struct {
	FlashOptions     *options.FlashOptions     `json:"flash" mapstructure:"flash"`
	PartitionOptions *options.PartitionOptions `json:"partitions" mapstructure:"partitions"`
	OTAOptions       *options.OTAOptions       `json:"ota" mapstructure:"ota"`
	MqttOptions      *options.MqttOptions      `json:"mqtt" mapstructure:"mqtt"`
	Log              *log.Options              `json:"log" mapstructure:"log"`

	configFile string
}

func newToolOptions() *toolOptions {
	o := &toolOptions{
		FlashOptions:     options.NewFlashOptions(),
		PartitionOptions: options.NewPartitionOptions(),
		OTAOptions:       options.NewOTAOptions(),
		MqttOptions:      options.NewMqttOptions(),
		Log:              log.NewOptions(),
	}
	// Keep stdout for command output.
	o.Log.OutputPaths = []string{"stderr"}
	o.Log.Level = "warn"
	return o
}

// tool carries what the subcommands touch outside the process.
type tool struct {
	fs        afero.Fs
	out       io.Writer
	opts      *toolOptions
	newClient func(*mqtt.ClientConfig) (mqtt.Client, error)
}

// NewCommand returns the otatool root command.
func NewCommand() *cobra.Command {
	return newCommand(&tool{
		fs:        afero.NewOsFs(),
		out:       os.Stdout,
		opts:      newToolOptions(),
		newClient: mqtt.NewClient,
	})
}

func newCommand(t *tool) *cobra.Command {
	cmd := &cobra.Command{
		Use:           commandName,
		Short:         "Pack, deploy and inspect flashota firmware updates",
		Version:       version.Get().GitVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := app.LoadFile(t.opts.configFile, cmd.Flags(), t.opts); err != nil {
				return err
			}
			if err := t.opts.PartitionOptions.Complete(); err != nil {
				return err
			}
			if err := utilerrors.NewAggregate(t.opts.Log.Validate()); err != nil {
				return err
			}
			log.Init(t.opts.Log)
			return nil
		},
	}
	cmd.SetOut(t.out)

	pfs := cmd.PersistentFlags()
	pfs.StringVarP(&t.opts.configFile, "config", "c", "", "Read flash, partition, ota and mqtt settings from the agent's configuration file.")
	t.opts.Log.AddFlags(pfs)

	cmd.AddCommand(
		t.packCommand(),
		t.keygenCommand(),
		t.deployCommand(),
		t.infoCommand(),
		t.bootCommand(),
	)
	return cmd
}
