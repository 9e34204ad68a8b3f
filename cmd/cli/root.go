package cli

import (
	"fmt"
	"os"

	"storeflow/internal/config"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "storeflow",
	Short: "Event-driven automation engine for multi-tenant stores",
	Long: `storeflow runs store automations: domain events are matched against
each store's rules, actions are executed in order and delay steps are
suspended on a durable scheduler and resumed through a signed callback.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yml)")
}

func initConfig() {
	if err := config.InitViper(cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "Error reading config file:", err)
	}
}
