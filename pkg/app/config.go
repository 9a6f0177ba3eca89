package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const configFlagName = "config"

var (
	cfgFile       string
	viperBasename string
)

func addConfigFlag(basename string, fs *pflag.FlagSet) {
	fs.StringVarP(&cfgFile, configFlagName, "c", cfgFile,
		fmt.Sprintf("Read configuration from the specified file. Searched for %s.yaml in ., $HOME/.flashota and /etc/flashota when unset.", basename))

	viperBasename = basename
}

// loadConfig reads the config file, binds the command line flags on top of it
// and decodes the result into opts. Flags set explicitly win over the file.
func loadConfig(v *viper.Viper, fs *pflag.FlagSet, opts any) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".flashota"))
		}
		v.AddConfigPath("/etc/flashota")
		v.SetConfigName(viperBasename)
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read configuration file: %w", err)
		}
	}
	return decode(v, fs, opts)
}

// LoadFile decodes the config file at path into opts for commands that are
// not built with NewApp. Flags set explicitly in fs win over the file. An
// empty path applies only the environment.
func LoadFile(path string, fs *pflag.FlagSet, opts any) error {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read configuration file: %w", err)
		}
	}
	return decode(v, fs, opts)
}

func decode(v *viper.Viper, fs *pflag.FlagSet, opts any) error {
	v.SetEnvPrefix("FLASHOTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Only flags the user actually set override the file.
	var bindErr error
	fs.Visit(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return bindErr
	}

	return v.Unmarshal(opts, func(c *mapstructure.DecoderConfig) {
		c.TagName = "mapstructure"
		c.WeaklyTypedInput = true
		c.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
}
