package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mpesa",
	Short: "M-Pesa payments service",
	Long:  "An M-Pesa STK Push service: payment prompts, gateway callbacks, status queries and order finalization.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
