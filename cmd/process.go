package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"paperflow/internal/alert"
	"paperflow/internal/batch"
	"paperflow/internal/config"
	"paperflow/internal/crm"
	"paperflow/internal/extraction"
	"paperflow/internal/ledger"
	"paperflow/internal/logger"
	"paperflow/internal/store"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process inbox documents into ledger entries",
	Long: `Process every document waiting in the Drive inbox folder: rasterize
pages, extract invoices, backfill missing tax amounts, classify each
invoice and book successes into the ledger. Artifacts land in the
success or failed folder; anything short of success fires an alert.

The run is bounded by an invoice quota. Unfinished documents keep a
persisted cursor and resume on the next invocation. Overlapping runs
are prevented by a lock file; a contested lock exits silently.

Required environment variables:
  OPENAI_API_KEY - OpenAI API key for page extraction
  COMPANY_TAX_ID - Own NIP, used to tell sales from expenses
  DRIVE_INBOX_FOLDER_ID, DRIVE_SUCCESS_FOLDER_ID,
  DRIVE_FAILED_FOLDER_ID, DRIVE_ARCHIVE_FOLDER_ID - Drive folders
  LEDGER_BASE_URL, LEDGER_API_KEY - accounting ledger API
  GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_CREDENTIALS - Drive access

Optional environment variables:
  INVOICE_QUOTA - invoices per run (default: 10)
  CRM_BASE_URL, CRM_API_KEY - CRM sync for sale invoices
  ALERT_WEBHOOK_URL - webhook for failure alerts`,
	Example: `  # Process the inbox with the configured quota
  paperflow process

  # Smaller quota for a quick manual run
  paperflow process --quota 3

  # Classify without ledger writes, artifacts or file moves
  paperflow process --dry-run`,
	Args: cobra.NoArgs,
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().Int("quota", 0, "Override the invoice quota for this run")
	processCmd.Flags().Bool("dry-run", false, "Classify invoices but skip all writes")
}

func runProcess(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("process")

	quota, _ := cmd.Flags().GetInt("quota")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if quota > 0 {
		cfg.InvoiceQuota = quota
	}

	lock := batch.NewRunLock(cfg.LockFile)
	acquired, err := lock.TryAcquire()
	if err != nil {
		return fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !acquired {
		// Another invocation is active; exit without noise.
		log.Debug().Str("lock", cfg.LockFile).Msg("Run lock contested, exiting")
		return nil
	}
	defer lock.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	docs, err := store.NewDriveStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to create Drive store: %w", err)
	}

	kv := store.NewFileKV(cfg.StateFile)

	var crmService crm.Service
	if client := crm.NewClient(cfg); client != nil {
		crmService = client
	}

	scheduler := batch.NewScheduler(cfg, batch.Deps{
		Extractor:  extraction.NewRetryingExtractor(extraction.NewOpenAIExtractor(cfg), nil),
		Normalizer: extraction.NewNormalizer(cfg),
		Builder:    ledger.NewBuilder(),
		Ledger:     ledger.NewClient(cfg),
		CRM:        crmService,
		Notifier:   alert.NewWebhookNotifier(cfg),
		Documents:  docs,
		Progress:   batch.NewProgressStore(kv),
	}, dryRun)

	stats, err := scheduler.Run(ctx)
	if err != nil {
		return fmt.Errorf("batch run failed: %w", err)
	}

	fmt.Println(strings.Repeat("=", 50))
	fmt.Println("                 WYNIK")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Dokumenty: %d (ukończone: %d, odroczone: %d, błędne: %d)\n",
		stats.Documents, stats.Completed, stats.Deferred, stats.FailedDocs)
	fmt.Printf("Faktury: %d\n", stats.Invoices)
	fmt.Printf("Zaksięgowane: %d\n", stats.Succeeded)
	if stats.Partial > 0 {
		fmt.Printf("Do przeglądu: %d\n", stats.Partial)
	}
	if stats.Failed > 0 {
		fmt.Printf("Błędne: %d\n", stats.Failed)
	}
	if stats.Duplicates > 0 {
		fmt.Printf("Duplikaty: %d\n", stats.Duplicates)
	}
	if dryRun {
		fmt.Println("Tryb: Dry Run (bez zapisów)")
	}
	fmt.Println(strings.Repeat("=", 50))

	return nil
}
