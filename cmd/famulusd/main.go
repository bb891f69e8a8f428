package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "famulusd",
		Short: "Famulus - Multi-agent assistant daemon",
		Long: `Famulus is a personal assistant daemon. A conversational agent delegates
work to specialized subagents which execute asynchronously; results flow
back to the originating channel. Scheduled jobs, webhook triggers, and a
human approval gate for privileged actions run in the same process.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
