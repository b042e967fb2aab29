package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"paperflow/internal/batch"
	"paperflow/internal/config"
	"paperflow/internal/ledger"
	"paperflow/internal/logger"
	"paperflow/internal/recon"
	"paperflow/internal/store"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [statement-file]",
	Short: "Match bank-statement credits against outstanding invoices",
	Long: `Parse the credit entries of an MT940 bank statement and match them
against the ledger's outstanding invoices. Matches are recorded as
payments in the ledger and cached under the statement's content hash,
so re-running against the same file replays the same assignments.

Required environment variables:
  LEDGER_BASE_URL, LEDGER_API_KEY - accounting ledger API`,
	Example: `  # Reconcile a freshly exported statement
  paperflow reconcile ./wyciag-2024-05.sta

  # Limit the outstanding-invoice range
  paperflow reconcile ./wyciag.sta --from 2024-01-01 --to 2024-06-30

  # Show matches without recording payments
  paperflow reconcile ./wyciag.sta --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().String("from", "", "Start of the invoice issue-date range (YYYY-MM-DD, default: one year back)")
	reconcileCmd.Flags().String("to", "", "End of the invoice issue-date range (YYYY-MM-DD, default: today)")
	reconcileCmd.Flags().Bool("dry-run", false, "Match but don't record payments or update the cache")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("reconcile")

	statementPath := args[0]
	fromFlag, _ := cmd.Flags().GetString("from")
	toFlag, _ := cmd.Flags().GetString("to")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	from, to, err := dateRange(fromFlag, toFlag)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	lock := batch.NewRunLock(cfg.LockFile)
	acquired, err := lock.TryAcquire()
	if err != nil {
		return fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !acquired {
		log.Debug().Str("lock", cfg.LockFile).Msg("Run lock contested, exiting")
		return nil
	}
	defer lock.Release()

	statement, err := os.ReadFile(statementPath)
	if err != nil {
		return fmt.Errorf("failed to read statement: %w", err)
	}

	entries, err := recon.ParseStatement(statement)
	if err != nil {
		return fmt.Errorf("failed to parse statement: %w", err)
	}

	log.Info().
		Str("statement", statementPath).
		Int("entries", len(entries)).
		Bool("dry_run", dryRun).
		Msg("Starting reconciliation")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	kv := store.NewFileKV(cfg.StateFile)
	matcher := recon.NewMatcher(ledger.NewClient(cfg), recon.NewMatchCache(kv), dryRun)

	invoices, err := matcher.FetchOutstanding(ctx, from, to)
	if err != nil {
		return fmt.Errorf("failed to fetch outstanding invoices: %w", err)
	}

	matches, err := matcher.Reconcile(ctx, statement, entries, invoices)
	if err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}

	fmt.Println(strings.Repeat("=", 50))
	fmt.Println("                 UZGODNIENIE")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Wpłaty na wyciągu: %d\n", len(entries))
	fmt.Printf("Faktury nieopłacone: %d\n", len(invoices))
	fmt.Printf("Dopasowania: %d\n", len(matches))
	for _, match := range matches {
		marker := ""
		if match.Cached {
			marker = " (z cache)"
		}
		fmt.Printf("  %s  %.2f  %s%s\n",
			match.InvoiceNumber, match.Amount, match.Date.Format("2006-01-02"), marker)
	}
	if dryRun {
		fmt.Println("Tryb: Dry Run (bez zapisów)")
	}
	fmt.Println(strings.Repeat("=", 50))

	return nil
}

// dateRange resolves the --from/--to flags, defaulting to the last year.
func dateRange(fromFlag, toFlag string) (time.Time, time.Time, error) {
	now := time.Now()
	from := now.AddDate(-1, 0, 0)
	to := now

	var err error
	if fromFlag != "" {
		if from, err = time.Parse("2006-01-02", fromFlag); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from date: %s", fromFlag)
		}
	}
	if toFlag != "" {
		if to, err = time.Parse("2006-01-02", toFlag); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to date: %s", toFlag)
		}
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to is before --from")
	}
	return from, to, nil
}
