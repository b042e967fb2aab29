package models

import "time"

// InvoiceKind distinguishes the two ledger schemas an invoice can be posted to.
type InvoiceKind string

const (
	KindSale    InvoiceKind = "sale"    // faktura sprzedażowa
	KindExpense InvoiceKind = "expense" // faktura kosztowa
)

// PaymentStatus is the normalized payment state read off the document.
type PaymentStatus string

const (
	PaymentPaid    PaymentStatus = "paid"
	PaymentPartial PaymentStatus = "partial"
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentUnknown PaymentStatus = ""
)

// Party identifies one side of an invoice.
type Party struct {
	Name    string
	TaxID   string // NIP, digits only after normalization
	Address string
}

// VatLine is one tax-rate row of an invoice. A zero amount means the figure
// was not printed on the document; the normalizer derives it when it can.
type VatLine struct {
	RatePercent float64
	Exempt      bool // "zw." marker; RatePercent is 0 when set
	NetAmount   float64
	VatAmount   float64
	GrossAmount float64
}

// LineItem is a single sale position. Quantity times UnitNet must rebuild
// the invoice totals for the ledger to accept the payload.
type LineItem struct {
	Name        string
	Quantity    float64
	UnitNet     float64
	NetAmount   float64
	VatRate     float64
	VatExempt   bool
	GrossAmount float64
}

// Invoice is the canonical record produced by the extraction normalizer.
// It is owned by a single processing run and mutated in place while missing
// figures are backfilled, then treated as frozen once classified.
type Invoice struct {
	Kind          InvoiceKind
	InvoiceNumber string
	IssueDate     time.Time
	Currency      string

	Seller Party
	Buyer  Party

	// Aggregate amounts. Zero means absent until backfill.
	NetAmount      float64
	VatAmount      float64
	GrossAmount    float64
	VatRatePercent float64
	VatExempt      bool

	VatLines  []VatLine
	LineItems []LineItem

	// Payment hints read off the document, consumed by the paid-amount
	// resolution chain in order of trust.
	PaymentStatus      PaymentStatus
	PaymentMethod      string
	AmountPaid         float64 // explicit numeric figure, 0 when absent
	AmountPaidText     string  // raw "zapłacono" label when only text was printed
	OutstandingBalance float64 // "do zapłaty" figure, 0 when absent

	DetectedCurrencies   []string
	RequiresManualReview bool
	ReviewReasons        []string

	// Set by the scheduler when the same invoice number already produced
	// an artifact earlier in the run or in a previous run.
	DuplicateOf string

	SourceFile string
	SourcePage int
}

// HasAllAmounts reports whether the three aggregate figures are present.
func (inv *Invoice) HasAllAmounts() bool {
	return inv.NetAmount != 0 && inv.VatAmount != 0 && inv.GrossAmount != 0
}

// FlagForReview marks the invoice for manual review with a reason, once.
func (inv *Invoice) FlagForReview(reason string) {
	inv.RequiresManualReview = true
	for _, r := range inv.ReviewReasons {
		if r == reason {
			return
		}
	}
	inv.ReviewReasons = append(inv.ReviewReasons, reason)
}

// Classification is the three-way outcome of ledger validation.
type Classification string

const (
	ClassSuccess Classification = "success"
	ClassPartial Classification = "partial"
	ClassFailed  Classification = "failed"
)

// ClassifiedInvoice pairs an invoice with its ledger classification.
type ClassifiedInvoice struct {
	Invoice        *Invoice
	Classification Classification
	Reasons        []string
}

// VatBreakdown buckets an invoice's VAT lines into the fixed rate slots the
// ledger schema requires. It is derived and read-only.
type VatBreakdown struct {
	Net23 float64
	Vat23 float64
	Net8  float64
	Vat8  float64
	Net5  float64
	Vat5  float64
	Net0  float64 // 0% rated sales, no VAT column
	NetZw float64 // exempt ("zwolnione") sales

	TotalNet   float64
	TotalVat   float64
	TotalGross float64

	SalesType string // "opodatkowana", "zwolniona" or "mieszana"
}
