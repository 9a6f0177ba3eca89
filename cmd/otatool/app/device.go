package app

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/autopeer-io/flashota/internal/partition"
	"github.com/autopeer-io/flashota/internal/storage"
	"github.com/autopeer-io/flashota/pkg/log"
)

func (t *tool) addDeviceFlags(fs *pflag.FlagSet) {
	t.opts.FlashOptions.AddFlags(fs)
	t.opts.PartitionOptions.AddFlags(fs)
}

// openStorage opens the configured flash. The caller closes it.
func (t *tool) openStorage() (*storage.Context, error) {
	var errs []error
	errs = append(errs, t.opts.FlashOptions.Validate()...)
	errs = append(errs, t.opts.PartitionOptions.Validate()...)
	if err := utilerrors.NewAggregate(errs); err != nil {
		return nil, err
	}
	return storage.New(t.opts.FlashOptions, t.opts.PartitionOptions, storage.WithFs(t.fs))
}

func (t *tool) infoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print the flash chip, partition table and boot record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			sc, err := t.openStorage()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, sc.Close()) }()

			info, err := sc.Device().Info()
			if err != nil {
				return err
			}
			cfg, err := sc.Boot().Load()
			if err != nil {
				return err
			}
			current, _, err := sc.Boot().Current()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			chip := uitable.New()
			chip.AddRow("CHIP ID:", log.Hex(info.ID))
			chip.AddRow("SIZE:", fmt.Sprintf("%d KiB (%s)", info.Size/1024, info.SizeSource))
			chip.AddRow("ADDRESS MODE:", info.AddressMode.String())
			fmt.Fprintln(out, chip)
			fmt.Fprintln(out)

			parts := uitable.New()
			parts.AddRow("NAME", "ADDRESS", "SIZE", "ROLE", "FLAGS")
			for _, p := range sc.Table().All() {
				flags := ""
				if p.ReadOnly() {
					flags = "ro"
				}
				if idx, err := sc.Boot().IndexOf(p); err == nil {
					if flags != "" {
						flags += ","
					}
					flags += "rom" + strconv.Itoa(idx)
					if idx == current {
						flags += ",boot"
					}
				}
				parts.AddRow(p.Name(), log.Hex(p.Address()), fmt.Sprintf("0x%x", p.Size()), string(p.Role()), flags)
			}
			fmt.Fprintln(out, parts)
			fmt.Fprintln(out)

			rec := uitable.New()
			rec.AddRow("BOOT MODE:", cfg.Mode)
			rec.AddRow("CURRENT ROM:", cfg.CurrentROM)
			for i := 0; i < int(cfg.Count); i++ {
				rec.AddRow(fmt.Sprintf("ROM %d:", i), log.Hex(cfg.ROMs[i]))
			}
			fmt.Fprintln(out, rec)
			return nil
		},
	}
	t.addDeviceFlags(cmd.Flags())
	return cmd
}

func (t *tool) bootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Maintain the boot record",
	}

	set := &cobra.Command{
		Use:   "set ROM",
		Short: "Boot ROM next, given as an index or an application partition name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			sc, err := t.openStorage()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, sc.Close()) }()

			if p, ferr := sc.Table().Find(args[0]); ferr == nil {
				if p.Role() != partition.RoleApp {
					return fmt.Errorf("partition %s is not an application slot", p.Name())
				}
				err = sc.Boot().SetBootPartition(p)
			} else {
				index, perr := strconv.Atoi(args[0])
				if perr != nil {
					return fmt.Errorf("%q is neither a partition name nor a rom index", args[0])
				}
				err = sc.Boot().SetCurrent(index)
			}
			if err != nil {
				return err
			}

			idx, p, err := sc.Boot().Current()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "booting rom %d (%s) next\n", idx, p.Name())
			return nil
		},
	}
	t.addDeviceFlags(set.Flags())
	cmd.AddCommand(set)
	return cmd
}
