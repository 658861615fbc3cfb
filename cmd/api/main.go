package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:     "visapay",
		Short:   "VisaPay payments API",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./visapay.yaml)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
