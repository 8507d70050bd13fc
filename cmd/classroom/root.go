package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfigPath string
	flagLogLevel   string
	flagAddress    string
)

var rootCmd = &cobra.Command{
	Use:   "classroom",
	Short: "Peer-to-peer classroom sessions over WebRTC",
	Long: `classroom hosts or joins a live classroom. The host and every participant
negotiate direct WebRTC sessions through a shared signaling store, and a
local status API reports sessions and roster events.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "configs/config.yaml", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override logging.level")
	rootCmd.PersistentFlags().StringVar(&flagAddress, "address", "", "override server.address for the status API")

	rootCmd.AddCommand(hostCmd, joinCmd)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
