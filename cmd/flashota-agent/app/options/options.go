package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/flashota/internal/agent"
	"github.com/autopeer-io/flashota/pkg/app"
	"github.com/autopeer-io/flashota/pkg/log"
	"github.com/autopeer-io/flashota/pkg/options"
)

// AgentOptions is the root of the agent's flags and config file.
type AgentOptions struct {
	FlashOptions     *options.FlashOptions     `json:"flash" mapstructure:"flash"`
	PartitionOptions *options.PartitionOptions `json:"partitions" mapstructure:"partitions"`
	OTAOptions       *options.OTAOptions       `json:"ota" mapstructure:"ota"`
	MqttOptions      *options.MqttOptions      `json:"mqtt" mapstructure:"mqtt"`
	HttpOptions      *options.HttpOptions      `json:"http" mapstructure:"http"`
	S3Options        *options.S3Options        `json:"s3" mapstructure:"s3"`
	SpoolOptions     *options.SpoolOptions     `json:"spool" mapstructure:"spool"`
	Log              *log.Options              `json:"log" mapstructure:"log"`
}

var _ app.NamedFlagSetOptions = (*AgentOptions)(nil)

func NewAgentOptions() *AgentOptions {
	return &AgentOptions{
		FlashOptions:     options.NewFlashOptions(),
		PartitionOptions: options.NewPartitionOptions(),
		OTAOptions:       options.NewOTAOptions(),
		MqttOptions:      options.NewMqttOptions(),
		HttpOptions:      options.NewHttpOptions(),
		S3Options:        options.NewS3Options(),
		SpoolOptions:     options.NewSpoolOptions(),
		Log:              log.NewOptions(),
	}
}

func (o *AgentOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.FlashOptions.AddFlags(fss.FlagSet("flash"))
	o.PartitionOptions.AddFlags(fss.FlagSet("partitions"))
	o.OTAOptions.AddFlags(fss.FlagSet("ota"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.SpoolOptions.AddFlags(fss.FlagSet("spool"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *AgentOptions) Complete() error {
	return o.PartitionOptions.Complete()
}

func (o *AgentOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.FlashOptions.Validate()...)
	errs = append(errs, o.PartitionOptions.Validate()...)
	errs = append(errs, o.OTAOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.SpoolOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

// LogOptions returns the logger settings.
func (o *AgentOptions) LogOptions() *log.Options {
	return o.Log
}

func (o *AgentOptions) Config() (*agent.Config, error) {
	return &agent.Config{
		FlashOptions:     o.FlashOptions,
		PartitionOptions: o.PartitionOptions,
		OTAOptions:       o.OTAOptions,
		MqttOptions:      o.MqttOptions,
		HttpOptions:      o.HttpOptions,
		S3Options:        o.S3Options,
		SpoolOptions:     o.SpoolOptions,
	}, nil
}
