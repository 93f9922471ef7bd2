package cmd

import (
	"fmt"
	"os"

	"github.com/jmehdipour/sms-broadcast/cmd/worker"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:           "broadcaster",
		Short:         "Two-stage SMS broadcast and campaign pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file (defaults are embedded)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(broadcastCmd)
	rootCmd.AddCommand(campaignCmd)
	rootCmd.AddCommand(worker.NewWorkerCmd())
}
