package cmd

import (
	"fmt"

	"github.com/deploymenttheory/go-rawscan/internal/config"
	"github.com/spf13/cobra"
)

// versionCmd shows the application version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", config.AppName, config.Version)
	},
}
