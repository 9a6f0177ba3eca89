package options

import (
	"fmt"

	"github.com/spf13/pflag"
)

var _ IOptions = (*SpoolOptions)(nil)

// SpoolOptions configures the drop directory transport.
type SpoolOptions struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Dir     string `json:"dir" mapstructure:"dir"`
	Suffix  string `json:"suffix" mapstructure:"suffix"`
}

// NewSpoolOptions returns disabled defaults.
func NewSpoolOptions() *SpoolOptions {
	return &SpoolOptions{
		Dir:    "/var/lib/flashota/spool",
		Suffix: ".ota",
	}
}

// Validate requires a directory when the spool is enabled.
func (o *SpoolOptions) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}
	if o.Dir == "" {
		return []error{fmt.Errorf("--spool.dir is required when the spool is enabled")}
	}
	return nil
}

// AddFlags adds flags for SpoolOptions to the specified FlagSet.
func (o *SpoolOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, "spool.enabled", o.Enabled, "Watch a directory for update files.")
	fs.StringVar(&o.Dir, "spool.dir", o.Dir, "Directory watched for update files.")
	fs.StringVar(&o.Suffix, "spool.suffix", o.Suffix, "File name suffix of update files.")
}
