package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"paperflow/internal/alert"
	"paperflow/internal/config"
	"paperflow/internal/crm"
	"paperflow/internal/extraction"
	"paperflow/internal/ledger"
	"paperflow/internal/logger"
	"paperflow/internal/store"
	"paperflow/pkg/models"
)

// DocumentState is the per-document state machine position.
type DocumentState string

const (
	StatePending    DocumentState = "pending"
	StateExtracting DocumentState = "extracting"
	StatePersisting DocumentState = "persisting"
	StateCompleted  DocumentState = "completed"
	StateDeferred   DocumentState = "deferred"
	StateFailed     DocumentState = "failed"
)

// PageResult is the ephemeral outcome of extracting one page. It is never
// persisted.
type PageResult struct {
	Status   DocumentState // StateExtracting on success, deferred or failed
	Reason   string
	Invoices []*models.Invoice
}

// persistOutcome is the result of pushing one invoice downstream.
type persistOutcome int

const (
	persistSucceeded persistOutcome = iota
	persistPartial
	persistFailed
	persistDuplicate
	persistDeferred
)

// ledgerBackoff paces retries of transiently unavailable ledger calls.
var ledgerBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// Deps are the scheduler's collaborators. Everything external sits behind
// an interface so tests can script it.
type Deps struct {
	Extractor  extraction.PageExtractor
	Normalizer *extraction.Normalizer
	Builder    *ledger.Builder
	Ledger     ledger.API
	CRM        crm.Service // nil skips sale-invoice sync
	Notifier   alert.Notifier
	Documents  store.DocumentStore
	Progress   *ProgressStore
	Sleep      func(time.Duration) // nil defaults to time.Sleep
}

// RunStats summarizes one scheduler run.
type RunStats struct {
	Documents  int
	Completed  int
	Deferred   int
	FailedDocs int

	Invoices   int
	Succeeded  int
	Partial    int
	Failed     int
	Duplicates int
}

// Scheduler drives page-by-page, invoice-by-invoice processing of the
// inbox folder. A run-wide invoice quota bounds the work; anything left
// over is deferred through the progress cursor and picked up by the next
// invocation. Execution is single-threaded and cooperative.
type Scheduler struct {
	cfg    *config.Config
	deps   Deps
	sleep  func(time.Duration)
	dryRun bool

	runID         string
	seenArtifacts map[string]bool
	log           zerolog.Logger
}

// NewScheduler wires a scheduler for one run.
func NewScheduler(cfg *config.Config, deps Deps, dryRun bool) *Scheduler {
	sleep := deps.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	runID := uuid.NewString()
	return &Scheduler{
		cfg:           cfg,
		deps:          deps,
		sleep:         sleep,
		dryRun:        dryRun,
		runID:         runID,
		seenArtifacts: map[string]bool{},
		log:           logger.WithRun("batch", runID),
	}
}

// Run processes inbox documents until the folder or the invoice quota is
// exhausted.
func (s *Scheduler) Run(ctx context.Context) (*RunStats, error) {
	const op = "Run"

	stats := &RunStats{}

	files, err := s.deps.Documents.ListFolder(ctx, s.cfg.InboxFolderID)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to list inbox: %w", op, err)
	}

	s.log.Info().
		Int("documents", len(files)).
		Int("quota", s.cfg.InvoiceQuota).
		Bool("dry_run", s.dryRun).
		Msg("Starting batch run")

	budget := s.cfg.InvoiceQuota
	for _, file := range files {
		if budget <= 0 {
			s.log.Info().Msg("Invoice quota exhausted, stopping run")
			break
		}
		stats.Documents++

		switch s.processDocument(ctx, file, &budget, stats) {
		case StateCompleted:
			stats.Completed++
		case StateDeferred:
			stats.Deferred++
		case StateFailed:
			stats.FailedDocs++
		}
	}

	s.log.Info().
		Int("documents", stats.Documents).
		Int("completed", stats.Completed).
		Int("deferred", stats.Deferred).
		Int("failed_docs", stats.FailedDocs).
		Int("invoices", stats.Invoices).
		Int("succeeded", stats.Succeeded).
		Int("partial", stats.Partial).
		Int("failed", stats.Failed).
		Int("duplicates", stats.Duplicates).
		Msg("Batch run finished")

	return stats, nil
}

// processDocument walks one document through the state machine.
func (s *Scheduler) processDocument(ctx context.Context, file store.File, budget *int, stats *RunStats) DocumentState {
	log := s.log.With().Str("file", file.Name).Str("file_id", file.ID).Logger()
	log.Info().Str("state", string(StatePending)).Msg("Document picked up")

	cursor, resuming, err := s.deps.Progress.Get(file.ID)
	if err != nil {
		log.Warn().Err(err).Msg("Progress read failed, starting from the beginning")
		cursor = Cursor{}
	}
	if resuming {
		log.Info().Int("page", cursor.Page).Int("invoice", cursor.Invoice).Msg("Resuming from cursor")
	}

	data, err := s.deps.Documents.Download(ctx, file.ID)
	if err != nil {
		// Leave the document for the next run; no cursor movement.
		log.Error().Err(err).Msg("Download failed, document deferred")
		return StateDeferred
	}

	doc, err := extraction.PrepareDocument(file.ID, file.Name, file.MimeType, data)
	if err != nil {
		// Unsupported or unreadable: the entire document fails.
		s.failDocument(ctx, file, err.Error())
		return StateFailed
	}

	log.Info().Str("state", string(StateExtracting)).Int("pages", len(doc.Pages)).Msg("Extracting")

	sawInvoice := false
	allDuplicates := true

	for page := cursor.Page; page < len(doc.Pages); page++ {
		start := 0
		if page == cursor.Page {
			start = cursor.Invoice
		}

		result := s.extractPage(ctx, doc, page)
		switch result.Status {
		case StateDeferred:
			s.deferDocument(file.ID, Cursor{Page: page, Invoice: start})
			return StateDeferred
		case StateFailed:
			s.failDocument(ctx, file, result.Reason)
			return StateFailed
		}

		if start > len(result.Invoices) {
			// The page shrank between runs; treat it as consumed.
			log.Warn().Int("page", page).Int("cursor_invoice", start).
				Int("extracted", len(result.Invoices)).Msg("Cursor past end of page")
			continue
		}

		for idx := start; idx < len(result.Invoices); idx++ {
			if *budget <= 0 {
				s.deferDocument(file.ID, Cursor{Page: page, Invoice: idx})
				return StateDeferred
			}

			outcome := s.persistInvoice(ctx, result.Invoices[idx], stats)
			if outcome == persistDeferred {
				s.deferDocument(file.ID, Cursor{Page: page, Invoice: idx})
				return StateDeferred
			}

			*budget = *budget - 1
			sawInvoice = true
			if outcome != persistDuplicate {
				allDuplicates = false
			}
		}
	}

	if err := s.deps.Progress.Delete(file.ID); err != nil {
		log.Warn().Err(err).Msg("Failed to delete progress cursor")
	}

	if !s.dryRun {
		if sawInvoice && allDuplicates {
			// Redundant re-scan: every invoice already had an artifact.
			// Clear it out of the inbox without a second archive copy.
			if err := s.deps.Documents.MoveTo(ctx, file.ID, s.cfg.InboxFolderID, s.cfg.ArchiveFolderID); err != nil {
				log.Warn().Err(err).Msg("Failed to move duplicate document to archive")
			}
		} else {
			if err := s.deps.Documents.CopyTo(ctx, file.ID, s.cfg.ArchiveFolderID); err != nil {
				log.Warn().Err(err).Msg("Failed to archive document")
			}
		}
	}

	log.Info().Str("state", string(StateCompleted)).Msg("Document completed")
	return StateCompleted
}

// extractPage runs extraction plus normalization for one page.
func (s *Scheduler) extractPage(ctx context.Context, doc *extraction.Document, page int) PageResult {
	raws, err := s.deps.Extractor.ExtractPage(ctx, doc, page)
	if err != nil {
		if errors.Is(err, extraction.ErrOverloaded) {
			return PageResult{Status: StateDeferred, Reason: err.Error()}
		}
		return PageResult{Status: StateFailed, Reason: err.Error()}
	}

	result := PageResult{Status: StateExtracting}
	for _, raw := range raws {
		result.Invoices = append(result.Invoices, s.deps.Normalizer.Normalize(raw, doc.FileID, page))
	}
	return result
}

// persistInvoice pushes one invoice downstream: classify, ledger upsert
// for successes, CRM sync for sales, artifact write with duplicate check,
// alert on anything short of success. Failures here never touch sibling
// invoices on the same page.
func (s *Scheduler) persistInvoice(ctx context.Context, inv *models.Invoice, stats *RunStats) persistOutcome {
	log := s.log.With().
		Str("invoice", inv.InvoiceNumber).
		Str("file_id", inv.SourceFile).
		Int("page", inv.SourcePage).
		Logger()
	log.Debug().Str("state", string(StatePersisting)).Msg("Persisting invoice")

	stats.Invoices++

	name := s.artifactName(inv)
	if s.isDuplicate(ctx, name) {
		inv.DuplicateOf = name
	}

	classified := s.deps.Builder.Classify(inv)

	if s.dryRun {
		log.Info().
			Str("classification", string(classified.Classification)).
			Strs("reasons", classified.Reasons).
			Msg("Dry run, no downstream calls")
		return s.account(classified, stats)
	}

	if classified.Classification == models.ClassSuccess {
		if err := s.upsertLedger(ctx, &classified); err != nil {
			if errors.Is(err, ledger.ErrUnavailable) {
				log.Warn().Err(err).Msg("Ledger unavailable, invoice deferred")
				return persistDeferred
			}
			// Hard ledger errors are validation-class: route to failed.
			classified.Classification = models.ClassFailed
			classified.Reasons = append(classified.Reasons, err.Error())
		}
	}

	if classified.Classification == models.ClassSuccess && inv.Kind == models.KindSale {
		s.syncCRM(ctx, &classified)
	}

	if inv.DuplicateOf == "" {
		s.writeArtifact(ctx, &classified, name)
	} else {
		// Scenario: the artifact already exists. The duplicate copy is
		// discarded, the ledger is not re-invoked, but the duplicate is
		// still surfaced as a review item.
		log.Info().Str("artifact", name).Msg("Duplicate artifact, skipping write")
	}

	if classified.Classification != models.ClassSuccess {
		s.deps.Notifier.Notify(ctx,
			fmt.Sprintf("Invoice %s: %s", inv.InvoiceNumber, classified.Classification),
			append([]string{
				"file: " + inv.SourceFile,
				fmt.Sprintf("page: %d", inv.SourcePage),
				"run: " + s.runID,
			}, classified.Reasons...))
	}

	log.Info().
		Str("classification", string(classified.Classification)).
		Strs("reasons", classified.Reasons).
		Msg("Invoice persisted")

	return s.account(classified, stats)
}

// account maps a classification onto run counters.
func (s *Scheduler) account(classified models.ClassifiedInvoice, stats *RunStats) persistOutcome {
	if classified.Invoice.DuplicateOf != "" {
		stats.Duplicates++
		return persistDuplicate
	}
	switch classified.Classification {
	case models.ClassSuccess:
		stats.Succeeded++
		return persistSucceeded
	case models.ClassPartial:
		stats.Partial++
		return persistPartial
	default:
		stats.Failed++
		return persistFailed
	}
}

// upsertLedger creates or updates the ledger record, search-first so the
// call stays idempotent across re-runs. Soft result codes downgrade the
// classification; transient unavailability bubbles up for deferral.
func (s *Scheduler) upsertLedger(ctx context.Context, classified *models.ClassifiedInvoice) error {
	inv := classified.Invoice

	payload, err := s.deps.Builder.BuildPayload(inv)
	if err != nil {
		return err
	}

	var record *ledger.Record
	if err := s.withLedgerRetry(func() error {
		var searchErr error
		record, searchErr = s.deps.Ledger.Search(ctx, inv.InvoiceNumber)
		return searchErr
	}); err != nil {
		if softenLedgerError(classified, err) {
			return nil
		}
		return err
	}

	kind := string(inv.Kind)
	if err := s.withLedgerRetry(func() error {
		if record != nil {
			return s.deps.Ledger.Update(ctx, kind, record.ID, payload)
		}
		_, createErr := s.deps.Ledger.Create(ctx, kind, payload)
		return createErr
	}); err != nil {
		if softenLedgerError(classified, err) {
			return nil
		}
		return err
	}

	return nil
}

// softenLedgerError downgrades on a soft result code and reports whether
// it did.
func softenLedgerError(classified *models.ClassifiedInvoice, err error) bool {
	var soft *ledger.SoftError
	if errors.As(err, &soft) {
		ledger.Downgrade(classified, soft.Error())
		return true
	}
	return false
}

// withLedgerRetry retries transiently unavailable ledger calls on the
// fixed schedule, blocking the single worker between attempts.
func (s *Scheduler) withLedgerRetry(call func() error) error {
	err := call()
	if err == nil || !errors.Is(err, ledger.ErrUnavailable) {
		return err
	}
	for _, delay := range ledgerBackoff {
		s.sleep(delay)
		if err = call(); err == nil || !errors.Is(err, ledger.ErrUnavailable) {
			return err
		}
	}
	return err
}

// syncCRM upserts the sale's buyer/deal in the CRM. CRM trouble is a soft
// error: the invoice drops to partial, the run continues.
func (s *Scheduler) syncCRM(ctx context.Context, classified *models.ClassifiedInvoice) {
	if s.deps.CRM == nil {
		return
	}
	inv := classified.Invoice

	properties := map[string]string{
		"invoice_number": inv.InvoiceNumber,
		"buyer_name":     inv.Buyer.Name,
		"buyer_tax_id":   inv.Buyer.TaxID,
		"gross_amount":   fmt.Sprintf("%.2f", inv.GrossAmount),
		"currency":       inv.Currency,
		"issue_date":     inv.IssueDate.Format("2006-01-02"),
	}
	if _, err := s.deps.CRM.Upsert(ctx, properties); err != nil {
		s.log.Warn().Err(err).Str("invoice", inv.InvoiceNumber).Msg("CRM sync failed")
		ledger.Downgrade(classified, "CRM sync failed: "+err.Error())
	}
}

// writeArtifact stores the classified invoice JSON in the folder matching
// its outcome, skipping same-named files already there.
func (s *Scheduler) writeArtifact(ctx context.Context, classified *models.ClassifiedInvoice, name string) {
	folder := s.cfg.SuccessFolderID
	if classified.Classification != models.ClassSuccess {
		folder = s.cfg.FailedFolderID
	}

	exists, err := s.deps.Documents.Exists(ctx, folder, name)
	if err != nil {
		s.log.Warn().Err(err).Str("artifact", name).Msg("Duplicate check failed, writing anyway")
	}
	if exists {
		s.log.Info().Str("artifact", name).Msg("Artifact already present, skipping write")
		s.seenArtifacts[name] = true
		return
	}

	artifact := struct {
		Invoice        *models.Invoice       `json:"invoice"`
		Classification models.Classification `json:"classification"`
		Reasons        []string              `json:"reasons,omitempty"`
		RunID          string                `json:"run_id"`
		GeneratedAt    time.Time             `json:"generated_at"`
	}{classified.Invoice, classified.Classification, classified.Reasons, s.runID, time.Now().UTC()}

	encoded, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		s.log.Error().Err(err).Str("artifact", name).Msg("Failed to encode artifact")
		return
	}

	if _, err := s.deps.Documents.CreateFile(ctx, folder, name, "application/json", encoded); err != nil {
		s.log.Error().Err(err).Str("artifact", name).Msg("Failed to write artifact")
		return
	}
	s.seenArtifacts[name] = true
}

// isDuplicate checks the in-run set and the success folder for an
// already-exported artifact of the same name.
func (s *Scheduler) isDuplicate(ctx context.Context, name string) bool {
	if s.seenArtifacts[name] {
		return true
	}
	exists, err := s.deps.Documents.Exists(ctx, s.cfg.SuccessFolderID, name)
	if err != nil {
		s.log.Warn().Err(err).Str("artifact", name).Msg("Duplicate check failed, assuming new")
		return false
	}
	return exists
}

// artifactName derives the export filename from issue date, counterparty
// tax id and invoice number.
func (s *Scheduler) artifactName(inv *models.Invoice) string {
	date := "0000-00-00"
	if !inv.IssueDate.IsZero() {
		date = inv.IssueDate.Format("2006-01-02")
	}

	taxID := inv.Seller.TaxID
	if inv.Kind == models.KindSale {
		taxID = inv.Buyer.TaxID
	}
	if taxID == "" {
		taxID = "brak-nip"
	}

	number := inv.InvoiceNumber
	if number == "" {
		number = "brak-numeru"
	}
	replacer := strings.NewReplacer("/", "-", "\\", "-", " ", "-", ":", "-")
	return fmt.Sprintf("%s_%s_%s.json", date, taxID, replacer.Replace(number))
}

// deferDocument persists the resume cursor for a touched-but-unfinished
// file.
func (s *Scheduler) deferDocument(fileID string, cursor Cursor) {
	if err := s.deps.Progress.Set(fileID, cursor); err != nil {
		s.log.Error().Err(err).Str("file_id", fileID).Msg("Failed to persist cursor")
		return
	}
	s.log.Info().
		Str("file_id", fileID).
		Str("state", string(StateDeferred)).
		Int("page", cursor.Page).
		Int("invoice", cursor.Invoice).
		Msg("Document deferred")
}

// failDocument routes the entire document to the failed folder, fires an
// alert and drops its cursor. Per-invoice failures never land here; this
// is for unsupported files and extraction breakdowns.
func (s *Scheduler) failDocument(ctx context.Context, file store.File, reason string) {
	s.log.Error().
		Str("file", file.Name).
		Str("state", string(StateFailed)).
		Str("reason", reason).
		Msg("Document failed")

	if !s.dryRun {
		if err := s.deps.Documents.MoveTo(ctx, file.ID, s.cfg.InboxFolderID, s.cfg.FailedFolderID); err != nil {
			s.log.Error().Err(err).Str("file", file.Name).Msg("Failed to move document to failed folder")
		}
	}
	if err := s.deps.Progress.Delete(file.ID); err != nil {
		s.log.Warn().Err(err).Str("file_id", file.ID).Msg("Failed to delete progress cursor")
	}

	s.deps.Notifier.Notify(ctx,
		fmt.Sprintf("Document %s failed", file.Name),
		[]string{"reason: " + reason, "run: " + s.runID})
}
