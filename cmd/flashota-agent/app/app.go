package app

import (
	"fmt"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/flashota/cmd/flashota-agent/app/options"
	"github.com/autopeer-io/flashota/pkg/app"
)

const (
	commandName = "flashota-agent"
	commandDesc = `The flashota agent owns the device's NOR flash. It accepts firmware
images over MQTT, HTTP, an object store or a spool directory, writes them into
the inactive rBoot slot and switches the boot record once the image is complete.`
)

// NewApp returns the agent command.
func NewApp() *app.App {
	opts := options.NewAgentOptions()
	return app.NewApp(
		commandName,
		"Launch the flashota update agent",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithRunFunc(run(opts)),
	)
}

func run(opts *options.AgentOptions) app.RunFunc {
	return func() error {
		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		agent, err := cfg.NewAgent()
		if err != nil {
			return fmt.Errorf("failed to create agent: %w", err)
		}

		return agent.Run(ctx)
	}
}
