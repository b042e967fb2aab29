package batch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperflow/internal/alert"
	"paperflow/internal/config"
	"paperflow/internal/extraction"
	"paperflow/internal/ledger"
	"paperflow/internal/store"
)

// fakeDocs is an in-memory DocumentStore: folders are name lists, file
// bodies live in a flat map.
type fakeDocs struct {
	folders map[string][]store.File
	content map[string][]byte

	created []string // "folder/name"
	copies  []string // "fileID->folder"
	moves   []string // "fileID:from->to"
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		folders: map[string][]store.File{},
		content: map[string][]byte{},
	}
}

func (d *fakeDocs) addFile(folderID string, file store.File, data []byte) {
	d.folders[folderID] = append(d.folders[folderID], file)
	d.content[file.ID] = data
}

func (d *fakeDocs) ListFolder(ctx context.Context, folderID string) ([]store.File, error) {
	return append([]store.File(nil), d.folders[folderID]...), nil
}

func (d *fakeDocs) Download(ctx context.Context, fileID string) ([]byte, error) {
	data, ok := d.content[fileID]
	if !ok {
		return nil, fmt.Errorf("no such file %s", fileID)
	}
	return data, nil
}

func (d *fakeDocs) CreateFile(ctx context.Context, folderID, name, mimeType string, data []byte) (string, error) {
	id := "created-" + name
	d.folders[folderID] = append(d.folders[folderID], store.File{ID: id, Name: name, MimeType: mimeType})
	d.content[id] = data
	d.created = append(d.created, folderID+"/"+name)
	return id, nil
}

func (d *fakeDocs) Exists(ctx context.Context, folderID, name string) (bool, error) {
	for _, file := range d.folders[folderID] {
		if file.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (d *fakeDocs) CopyTo(ctx context.Context, fileID, folderID string) error {
	d.copies = append(d.copies, fileID+"->"+folderID)
	return nil
}

func (d *fakeDocs) MoveTo(ctx context.Context, fileID, fromFolderID, toFolderID string) error {
	files := d.folders[fromFolderID]
	for i, file := range files {
		if file.ID == fileID {
			d.folders[fromFolderID] = append(files[:i:i], files[i+1:]...)
			d.folders[toFolderID] = append(d.folders[toFolderID], file)
			break
		}
	}
	d.moves = append(d.moves, fileID+":"+fromFolderID+"->"+toFolderID)
	return nil
}

// fakeExtractor serves canned raw invoices per page, or a scripted error.
type fakeExtractor struct {
	pages map[int][]extraction.RawInvoice
	err   error
	calls int
}

func (f *fakeExtractor) ExtractPage(ctx context.Context, doc *extraction.Document, page int) ([]extraction.RawInvoice, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[page], nil
}

// fakeLedger records calls; error fields script the next failure.
type fakeLedger struct {
	records map[string]*ledger.Record

	searches int
	creates  []string // invoice numbers
	updates  []string
	payments []string

	searchErr error
	createErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: map[string]*ledger.Record{}}
}

func (f *fakeLedger) Search(ctx context.Context, invoiceNumber string) (*ledger.Record, error) {
	f.searches++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.records[invoiceNumber], nil
}

func (f *fakeLedger) Create(ctx context.Context, kind string, payload *ledger.Payload) (*ledger.CreateResult, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.creates = append(f.creates, payload.Number)
	f.records[payload.Number] = &ledger.Record{ID: "rec-" + payload.Number, Number: payload.Number}
	return &ledger.CreateResult{RecordID: "rec-" + payload.Number}, nil
}

func (f *fakeLedger) Update(ctx context.Context, kind, id string, payload *ledger.Payload) error {
	f.updates = append(f.updates, payload.Number)
	return nil
}

func (f *fakeLedger) List(ctx context.Context, from, to time.Time, status string, page int) (*ledger.ListPage, error) {
	return &ledger.ListPage{}, nil
}

func (f *fakeLedger) RecordPayment(ctx context.Context, invoiceNumber string, amount float64, date time.Time) error {
	f.payments = append(f.payments, invoiceNumber)
	return nil
}

// fakeNotifier collects alert headlines.
type fakeNotifier struct {
	headlines []string
}

func (f *fakeNotifier) Notify(ctx context.Context, headline string, contextLines []string) {
	f.headlines = append(f.headlines, headline)
}

var _ store.DocumentStore = (*fakeDocs)(nil)
var _ ledger.API = (*fakeLedger)(nil)
var _ alert.Notifier = (*fakeNotifier)(nil)

func testConfig(quota int) *config.Config {
	return &config.Config{
		CompanyTaxID:    "5270001122",
		InboxFolderID:   "inbox",
		SuccessFolderID: "success",
		FailedFolderID:  "failed",
		ArchiveFolderID: "archive",
		InvoiceQuota:    quota,
	}
}

func completeRawInvoice(number string) extraction.RawInvoice {
	return extraction.RawInvoice{
		Kind:          "expense",
		InvoiceNumber: number,
		IssueDate:     "2024-05-10",
		Currency:      "PLN",
		Seller:        extraction.RawParty{Name: "Dostawca Sp. z o.o.", TaxID: "1112223344"},
		Buyer:         extraction.RawParty{Name: "Nasza Firma", TaxID: "5270001122"},
		NetAmount:     "100,00",
		VatAmount:     "23,00",
		GrossAmount:   "123,00",
		VatRate:       "23",
	}
}

type fixture struct {
	cfg       *config.Config
	docs      *fakeDocs
	extractor *fakeExtractor
	ledger    *fakeLedger
	notifier  *fakeNotifier
	kv        *store.MemoryKV
}

func newFixture(quota int) *fixture {
	return &fixture{
		cfg:       testConfig(quota),
		docs:      newFakeDocs(),
		extractor: &fakeExtractor{pages: map[int][]extraction.RawInvoice{}},
		ledger:    newFakeLedger(),
		notifier:  &fakeNotifier{},
		kv:        store.NewMemoryKV(),
	}
}

func (f *fixture) scheduler() *Scheduler {
	return NewScheduler(f.cfg, Deps{
		Extractor:  f.extractor,
		Normalizer: extraction.NewNormalizer(f.cfg),
		Builder:    ledger.NewBuilder(),
		Ledger:     f.ledger,
		Notifier:   f.notifier,
		Documents:  f.docs,
		Progress:   NewProgressStore(f.kv),
		Sleep:      func(time.Duration) {},
	}, false)
}

func (f *fixture) addScan(fileID string, invoices ...extraction.RawInvoice) {
	f.docs.addFile("inbox", store.File{ID: fileID, Name: fileID + ".png", MimeType: "image/png"}, []byte{0x89, 0x50})
	f.extractor.pages[0] = invoices
}

func TestScheduler_QuotaBoundsRunAndResumes(t *testing.T) {
	f := newFixture(1)
	f.addScan("f1", completeRawInvoice("FK 1/2024"), completeRawInvoice("FK 2/2024"))

	// First run: one invoice processed, then the quota stops the run and
	// the cursor points at the second invoice.
	stats, err := f.scheduler().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, stats.Deferred)
	assert.Equal(t, []string{"FK 1/2024"}, f.ledger.creates)

	cursor, ok, err := NewProgressStore(f.kv).Get("f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Cursor{Page: 0, Invoice: 1}, cursor)
	assert.Empty(t, f.docs.copies, "unfinished document must not be archived")

	// Second run: picks up at the cursor, finishes, deletes the cursor.
	stats, err = f.scheduler().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, []string{"FK 1/2024", "FK 2/2024"}, f.ledger.creates)

	_, ok, err = NewProgressStore(f.kv).Get("f1")
	require.NoError(t, err)
	assert.False(t, ok, "cursor must be deleted on completion")
	assert.Equal(t, []string{"f1->archive"}, f.docs.copies)
}

func TestScheduler_ResumedRunMatchesUninterrupted(t *testing.T) {
	interrupted := newFixture(1)
	interrupted.addScan("f1", completeRawInvoice("FK 1/2024"), completeRawInvoice("FK 2/2024"))
	for i := 0; i < 2; i++ {
		_, err := interrupted.scheduler().Run(context.Background())
		require.NoError(t, err)
	}

	straight := newFixture(10)
	straight.addScan("f1", completeRawInvoice("FK 1/2024"), completeRawInvoice("FK 2/2024"))
	_, err := straight.scheduler().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, straight.ledger.creates, interrupted.ledger.creates)
	assert.Equal(t, straight.docs.created, interrupted.docs.created)
	assert.Empty(t, straight.ledger.updates)
	assert.Empty(t, interrupted.ledger.updates)
}

func TestScheduler_DuplicateArtifactSkipsLedger(t *testing.T) {
	f := newFixture(5)
	f.addScan("f1", completeRawInvoice("FK 10/2024"))

	// The artifact from an earlier run already sits in the success folder.
	f.docs.addFile("success", store.File{ID: "old", Name: "2024-05-10_1112223344_FK-10-2024.json"}, nil)

	stats, err := f.scheduler().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, f.ledger.searches, "duplicate must not touch the ledger")
	assert.Empty(t, f.ledger.creates)
	assert.Empty(t, f.docs.created, "duplicate copy is discarded, not rewritten")
	assert.Equal(t, 1, stats.Duplicates)
	assert.NotEmpty(t, f.notifier.headlines, "duplicate is still a review item")

	// A pure re-scan is moved out of the inbox rather than copied again.
	assert.Equal(t, []string{"f1:inbox->archive"}, f.docs.moves)
	assert.Empty(t, f.docs.copies)
}

func TestScheduler_ValidationFailureRoutesToFailedFolder(t *testing.T) {
	f := newFixture(5)
	broken := completeRawInvoice("FK 3/2024")
	broken.GrossAmount = ""
	broken.NetAmount = ""
	broken.VatAmount = ""
	f.addScan("f1", broken)

	stats, err := f.scheduler().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failed)
	assert.Empty(t, f.ledger.creates)
	require.Len(t, f.docs.created, 1)
	assert.Contains(t, f.docs.created[0], "failed/")
	assert.NotEmpty(t, f.notifier.headlines)

	// A per-invoice failure still completes the document.
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, []string{"f1->archive"}, f.docs.copies)
}

func TestScheduler_UnsupportedDocumentFails(t *testing.T) {
	f := newFixture(5)
	f.docs.addFile("inbox", store.File{ID: "f1", Name: "notes.txt", MimeType: "text/plain"}, []byte("hello"))

	stats, err := f.scheduler().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.FailedDocs)
	assert.Equal(t, []string{"f1:inbox->failed"}, f.docs.moves)
	assert.NotEmpty(t, f.notifier.headlines)
}

func TestScheduler_ExtractionOverloadDefersDocument(t *testing.T) {
	f := newFixture(5)
	f.addScan("f1", completeRawInvoice("FK 1/2024"))
	f.extractor.err = &extraction.Error{Op: "ExtractPage", Err: extraction.ErrOverloaded}

	stats, err := f.scheduler().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Deferred)
	assert.Empty(t, f.ledger.creates)

	cursor, ok, err := NewProgressStore(f.kv).Get("f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Cursor{Page: 0, Invoice: 0}, cursor)
}

func TestScheduler_LedgerUnavailableDefersInvoice(t *testing.T) {
	f := newFixture(5)
	f.addScan("f1", completeRawInvoice("FK 1/2024"))
	f.ledger.searchErr = fmt.Errorf("Search: %w", ledger.ErrUnavailable)

	stats, err := f.scheduler().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Deferred)
	assert.Empty(t, f.docs.created, "deferred invoice must not produce an artifact")

	cursor, ok, err := NewProgressStore(f.kv).Get("f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Cursor{Page: 0, Invoice: 0}, cursor)

	// 4 attempts per call schedule: the search was retried before deferring.
	assert.Equal(t, 4, f.ledger.searches)
}

func TestScheduler_SoftLedgerErrorDowngradesToPartial(t *testing.T) {
	f := newFixture(5)
	f.addScan("f1", completeRawInvoice("FK 1/2024"))
	f.ledger.createErr = &ledger.SoftError{Code: 102, Message: "payment_method rejected"}

	stats, err := f.scheduler().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Partial)
	assert.Equal(t, 0, stats.Succeeded)
	require.Len(t, f.docs.created, 1)
	assert.Contains(t, f.docs.created[0], "failed/", "partial artifacts land in the failed folder")
	assert.NotEmpty(t, f.notifier.headlines)
}

func TestScheduler_ExistingRecordIsUpdatedNotCreated(t *testing.T) {
	f := newFixture(5)
	f.addScan("f1", completeRawInvoice("FK 1/2024"))
	f.ledger.records["FK 1/2024"] = &ledger.Record{ID: "rec-1", Number: "FK 1/2024"}

	stats, err := f.scheduler().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Succeeded)
	assert.Empty(t, f.ledger.creates)
	assert.Equal(t, []string{"FK 1/2024"}, f.ledger.updates)
}

func TestScheduler_DryRunTouchesNothing(t *testing.T) {
	f := newFixture(5)
	f.addScan("f1", completeRawInvoice("FK 1/2024"))

	scheduler := NewScheduler(f.cfg, Deps{
		Extractor:  f.extractor,
		Normalizer: extraction.NewNormalizer(f.cfg),
		Builder:    ledger.NewBuilder(),
		Ledger:     f.ledger,
		Notifier:   f.notifier,
		Documents:  f.docs,
		Progress:   NewProgressStore(f.kv),
		Sleep:      func(time.Duration) {},
	}, true)

	stats, err := scheduler.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 0, f.ledger.searches)
	assert.Empty(t, f.ledger.creates)
	assert.Empty(t, f.docs.created)
	assert.Empty(t, f.docs.copies)
	assert.Empty(t, f.docs.moves)
}
