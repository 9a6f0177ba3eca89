package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

func (t *tool) deployCommand() *cobra.Command {
	var (
		retain  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "deploy MESSAGE",
		Short: "Publish a packed update message to the update topic",
		Long: `Publish MESSAGE, as written by "otatool pack", to
{topic-root}/a/{app-id}/u/{app-version}. Every agent subscribed to the topic
installs it if its version is newer than the one it runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o := t.opts.MqttOptions
			o.Enabled = true
			if err := utilerrors.NewAggregate(o.Validate()); err != nil {
				return err
			}

			msg, err := afero.ReadFile(t.fs, args[0])
			if err != nil {
				return err
			}

			cfg := o.ToClientConfig()
			if cfg.ClientID == "" {
				cfg.ClientID = fmt.Sprintf("otatool-%d", time.Now().UnixNano())
			}
			// A deploy is not a device; it must not announce presence.
			cfg.WillTopic = ""
			cfg.WillPayload = nil
			client, err := t.newClient(cfg)
			if err != nil {
				return fmt.Errorf("failed to init mqtt client: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := client.Start(ctx); err != nil {
				return err
			}
			defer client.Disconnect(context.Background())
			if err := client.AwaitConnection(ctx); err != nil {
				return fmt.Errorf("connect to %s: %w", o.Broker, err)
			}

			topic := o.UpdateTopic()
			if err := client.Publish(ctx, topic, 1, retain, msg); err != nil {
				return fmt.Errorf("publish to %s: %w", topic, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d bytes to %s\n", len(msg), topic)
			return nil
		},
	}

	fs := cmd.Flags()
	fs.BoolVar(&retain, "retain", false, "Retain the message so agents that connect later receive it.")
	fs.DurationVar(&timeout, "timeout", 30*time.Second, "Give up when the broker has not acknowledged within this time.")
	t.opts.MqttOptions.AddFlags(fs)
	return cmd
}
