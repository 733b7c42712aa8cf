package cmd

import (
	"fmt"

	"github.com/deploymenttheory/go-rawscan/internal/config"
	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var cfgFile string

// rootCmd represents the base CLI command
var rootCmd = &cobra.Command{
	Use:   "go-rawscan",
	Short: "Scan NTFS and ext4 volumes straight from disk images",
	Long: `go-rawscan reads NTFS and ext4 volumes directly from raw devices and
disk images without mounting them.

It walks every directory of a volume, reports each file with its size and
content hash, and writes the result as JSON or a property list. Raw images,
block devices, E01 evidence files, sparse VMDKs and gzip, bzip2 or xz
compressed images are supported, as are disks with an MBR partition table.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// If config file was explicitly specified via flag, reload from it
		if cmd.Flags().Changed("config") && cfgFile != "" {
			if err := config.LoadFile(cfgFile); err != nil {
				return fmt.Errorf("error loading config file %s: %w", cfgFile, err)
			}
		}

		// CLI flags override config settings
		if err := bindFlags(cmd.Flags(), map[string]string{
			"debug":      "debug",
			"log-format": "log_format",
			"log-file":   "log_file",
		}); err != nil {
			return err
		}
		if err := config.Reload(); err != nil {
			return err
		}

		return logger.InitLogger(logger.LoggerConfig{
			Debug:     config.Instance.Debug,
			LogFormat: config.Instance.LogFormat,
			LogFile:   config.Instance.LogFile,
		})
	},
}

// bindFlags binds the changed flags of fs to their viper keys
func bindFlags(fs *pflag.FlagSet, keys map[string]string) error {
	v := config.Viper()
	if v == nil {
		return fmt.Errorf("configuration not initialized")
	}
	for name, key := range keys {
		flag := fs.Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs the root command
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		logger.LogError("Command execution failed", err, nil)
		return err
	}
	return nil
}

func init() {
	// Config file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is search in standard locations)")

	// Debug flag
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	// Log format flag
	rootCmd.PersistentFlags().String("log-format", "human", "Log format: json or human")

	// Log file flag
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this file")

	rootCmd.AddCommand(scanCmd, infoCmd, planCmd, versionCmd)
}
