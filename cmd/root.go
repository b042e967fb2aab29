package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"paperflow/internal/logger"
)

var version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "paperflow",
	Short: "Paperflow - invoice paperwork automation",
	Long: `Paperflow automates the paperwork around Polish invoices: it pulls
scanned documents from a Drive inbox, extracts and normalizes the
invoices on every page, books them into the accounting ledger, and
reconciles bank-statement credits against outstanding invoices.

Runs are resumable: a persisted cursor lets an interrupted or
quota-bounded run continue exactly where it stopped.`,
	Version: version,
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.WithComponent("root")
		log.Info().
			Str("version", version).
			Msg("Paperflow executed")

		fmt.Println("Paperflow - invoice paperwork automation")
		fmt.Println("Use --help to see available commands and options.")
	},
}

func Execute() {
	log := logger.WithComponent("cmd")

	if err := rootCmd.Execute(); err != nil {
		log.Error().
			Err(err).
			Msg("Command execution failed")
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information")
}
