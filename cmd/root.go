// cmd/root.go
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	cfgFile   string
	debugMode bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden is the GPU and job orchestrator for private compute fleets",
	Long: `Warden coordinates scarce accelerator capacity across a fleet:
it grants exclusive GPU leases, manages long-lived worker pools bound to
models, and durably queues jobs over Redis Streams with at-least-once
delivery and idempotent recovery. Multiple replicas can run side by side;
a leader lock keeps reconciliation single-writer.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugMode {
			logrus.SetLevel(logrus.DebugLevel)
			cmd.Flags().Visit(func(f *pflag.Flag) {
				logrus.Debugf("flag --%s=%s", f.Name, f.Value.String())
			})
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is warden.yaml in the working directory, if present)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug output")
}

// configPath resolves the config file: explicit flag first, then a local
// warden.yaml if one exists.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if _, err := os.Stat("warden.yaml"); err == nil {
		return "warden.yaml"
	}
	return ""
}
