package cmd

import (
	"os"
	"os/signal"

	"github.com/deploymenttheory/go-rawscan/internal/composition"
	"github.com/deploymenttheory/go-rawscan/internal/config"
	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/runner"
	"github.com/spf13/cobra"
)

// planCmd executes a scan plan file
var planCmd = &cobra.Command{
	Use:   "plan <file>",
	Short: "Run the steps of a scan plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.LogInfo("Executing plan", map[string]interface{}{
			"file": args[0],
		})

		plan, err := composition.LoadPlan(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt)
		defer stop()

		_, err = composition.Execute(ctx, plan, runner.OptionsFromConfig(&config.Instance))
		return err
	},
}
