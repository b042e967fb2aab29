package ledger

import (
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"paperflow/internal/extraction"
	"paperflow/internal/logger"
	"paperflow/pkg/models"
)

// amountTolerance is the reconciliation slack for monetary invariants.
const amountTolerance = 0.01

// Contractor is the counterparty block of a ledger payload.
type Contractor struct {
	Name    string `json:"name"`
	TaxID   string `json:"tax_id,omitempty"`
	Address string `json:"address,omitempty"`
}

// PayloadItem is one sale position in the ledger's expected shape.
type PayloadItem struct {
	Name    string  `json:"name"`
	Count   float64 `json:"count"`
	UnitNet float64 `json:"unit_net"`
	VatRate string  `json:"vat_rate"` // "23", "8", "5", "0" or "zw"
}

// Payload is the exact field set the ledger API requires. Expenses carry
// one bucket pair per VAT rate; sales carry a line-item array instead.
type Payload struct {
	Number     string     `json:"number"`
	IssueDate  string     `json:"issue_date"`
	Currency   string     `json:"currency"`
	Contractor Contractor `json:"contractor"`

	// Expense buckets
	Net23 float64 `json:"net_23,omitempty"`
	Vat23 float64 `json:"vat_23,omitempty"`
	Net8  float64 `json:"net_8,omitempty"`
	Vat8  float64 `json:"vat_8,omitempty"`
	Net5  float64 `json:"net_5,omitempty"`
	Vat5  float64 `json:"vat_5,omitempty"`
	Net0  float64 `json:"net_0,omitempty"`
	NetZw float64 `json:"net_zw,omitempty"`

	// Sale positions
	Items     []PayloadItem `json:"items,omitempty"`
	SalesType string        `json:"sales_type,omitempty"`

	TotalNet   float64 `json:"total_net"`
	TotalVat   float64 `json:"total_vat"`
	TotalGross float64 `json:"total_gross"`

	Paid          float64 `json:"paid"`
	PaymentMethod string  `json:"payment_method,omitempty"`
}

// ValidationError marks a payload that the ledger schema cannot accept.
// Invoices hit by one classify as failed, never retried automatically.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger validation: field %q: %s", e.Field, e.Message)
}

// Builder maps canonical invoices into ledger payloads and classifies the
// outcome. It mutates only the in-memory invoice; all API traffic belongs
// to the scheduler.
type Builder struct {
	log zerolog.Logger
}

// NewBuilder creates a payload builder.
func NewBuilder() *Builder {
	return &Builder{log: logger.WithComponent("ledger-builder")}
}

// BuildBreakdown buckets the invoice's VAT lines into the fixed rate
// slots. An unrecognized rate or a broken net+vat=gross invariant is a
// validation failure.
func (b *Builder) BuildBreakdown(inv *models.Invoice) (*models.VatBreakdown, error) {
	breakdown := &models.VatBreakdown{}

	lines := inv.VatLines
	if len(lines) == 0 {
		// Single-rate document without an explicit VAT table.
		lines = []models.VatLine{{
			RatePercent: inv.VatRatePercent,
			Exempt:      inv.VatExempt,
			NetAmount:   inv.NetAmount,
			VatAmount:   inv.VatAmount,
			GrossAmount: inv.GrossAmount,
		}}
	}

	taxed := false
	exempt := false
	for _, line := range lines {
		switch {
		case line.Exempt:
			breakdown.NetZw += line.NetAmount
			exempt = true
		case line.RatePercent == 23:
			breakdown.Net23 += line.NetAmount
			breakdown.Vat23 += line.VatAmount
			taxed = true
		case line.RatePercent == 8:
			breakdown.Net8 += line.NetAmount
			breakdown.Vat8 += line.VatAmount
			taxed = true
		case line.RatePercent == 5:
			breakdown.Net5 += line.NetAmount
			breakdown.Vat5 += line.VatAmount
			taxed = true
		case line.RatePercent == 0:
			breakdown.Net0 += line.NetAmount
			taxed = true
		default:
			return nil, &ValidationError{
				Field:   "vat_rate",
				Message: fmt.Sprintf("rate %.2f%% has no ledger bucket", line.RatePercent),
			}
		}
		breakdown.TotalNet += line.NetAmount
		breakdown.TotalVat += line.VatAmount
		breakdown.TotalGross += line.GrossAmount
	}

	breakdown.TotalNet = round2(breakdown.TotalNet)
	breakdown.TotalVat = round2(breakdown.TotalVat)
	breakdown.TotalGross = round2(breakdown.TotalGross)

	switch {
	case taxed && exempt:
		breakdown.SalesType = "mieszana"
	case exempt:
		breakdown.SalesType = "zwolniona"
	default:
		breakdown.SalesType = "opodatkowana"
	}

	if math.Abs(breakdown.TotalNet+breakdown.TotalVat-breakdown.TotalGross) > amountTolerance {
		return nil, &ValidationError{
			Field: "totals",
			Message: fmt.Sprintf("net %.2f + vat %.2f does not equal gross %.2f",
				breakdown.TotalNet, breakdown.TotalVat, breakdown.TotalGross),
		}
	}

	return breakdown, nil
}

// BuildPayload produces the ledger payload for the invoice's kind. Sale
// line items must reconstruct the invoice totals within tolerance;
// mismatches are hard validation failures, never silently corrected.
func (b *Builder) BuildPayload(inv *models.Invoice) (*Payload, error) {
	payload := &Payload{
		Number:        inv.InvoiceNumber,
		IssueDate:     inv.IssueDate.Format("2006-01-02"),
		Currency:      inv.Currency,
		TotalNet:      inv.NetAmount,
		TotalVat:      inv.VatAmount,
		TotalGross:    inv.GrossAmount,
		Paid:          ResolvePaidAmount(inv),
		PaymentMethod: inv.PaymentMethod,
	}

	switch inv.Kind {
	case models.KindExpense:
		payload.Contractor = Contractor{
			Name:    inv.Seller.Name,
			TaxID:   inv.Seller.TaxID,
			Address: inv.Seller.Address,
		}
		breakdown, err := b.BuildBreakdown(inv)
		if err != nil {
			return nil, err
		}
		payload.Net23 = round2(breakdown.Net23)
		payload.Vat23 = round2(breakdown.Vat23)
		payload.Net8 = round2(breakdown.Net8)
		payload.Vat8 = round2(breakdown.Vat8)
		payload.Net5 = round2(breakdown.Net5)
		payload.Vat5 = round2(breakdown.Vat5)
		payload.Net0 = round2(breakdown.Net0)
		payload.NetZw = round2(breakdown.NetZw)

	case models.KindSale:
		payload.Contractor = Contractor{
			Name:    inv.Buyer.Name,
			TaxID:   inv.Buyer.TaxID,
			Address: inv.Buyer.Address,
		}
		breakdown, err := b.BuildBreakdown(inv)
		if err != nil {
			return nil, err
		}
		payload.SalesType = breakdown.SalesType

		items := inv.LineItems
		if len(items) == 0 {
			// Ledger requires positions; a single synthetic one carrying
			// the document totals reconstructs them exactly.
			items = []models.LineItem{{
				Name:      "Sprzedaż wg faktury " + inv.InvoiceNumber,
				Quantity:  1,
				UnitNet:   inv.NetAmount,
				NetAmount: inv.NetAmount,
				VatRate:   inv.VatRatePercent,
				VatExempt: inv.VatExempt,
			}}
		}

		var sumNet float64
		for _, item := range items {
			quantity := item.Quantity
			if quantity == 0 {
				quantity = 1
			}
			unitNet := item.UnitNet
			if unitNet == 0 && item.NetAmount != 0 {
				unitNet = round2(item.NetAmount / quantity)
			}
			sumNet += round2(quantity * unitNet)
			payload.Items = append(payload.Items, PayloadItem{
				Name:    item.Name,
				Count:   quantity,
				UnitNet: unitNet,
				VatRate: rateCode(item.VatRate, item.VatExempt),
			})
		}
		if math.Abs(round2(sumNet)-inv.NetAmount) > amountTolerance {
			return nil, &ValidationError{
				Field: "items",
				Message: fmt.Sprintf("positions sum to %.2f but invoice net is %.2f",
					round2(sumNet), inv.NetAmount),
			}
		}

	default:
		return nil, &ValidationError{Field: "kind", Message: "unknown invoice kind"}
	}

	return payload, nil
}

// Classify decides the three-way outcome for an invoice: failed when any
// ledger-required field is missing or the payload cannot be built, partial
// when the document needs human eyes, success otherwise. Soft errors from
// downstream calls are applied afterwards via Downgrade.
func (b *Builder) Classify(inv *models.Invoice) models.ClassifiedInvoice {
	classified := models.ClassifiedInvoice{Invoice: inv}

	if missing := b.missingRequiredFields(inv); len(missing) > 0 {
		classified.Classification = models.ClassFailed
		classified.Reasons = append(classified.Reasons, "missing required fields: "+strings.Join(missing, ", "))
		return classified
	}

	if _, err := b.BuildPayload(inv); err != nil {
		classified.Classification = models.ClassFailed
		classified.Reasons = append(classified.Reasons, err.Error())
		return classified
	}

	inv.AmountPaid = ResolvePaidAmount(inv)

	if len(inv.DetectedCurrencies) > 1 {
		classified.Classification = models.ClassPartial
		classified.Reasons = append(classified.Reasons,
			"multiple currencies on one document: "+strings.Join(inv.DetectedCurrencies, ", "))
	}
	if inv.RequiresManualReview {
		classified.Classification = models.ClassPartial
		classified.Reasons = append(classified.Reasons, inv.ReviewReasons...)
	}
	if inv.DuplicateOf != "" {
		classified.Classification = models.ClassPartial
		classified.Reasons = append(classified.Reasons, "duplicate of "+inv.DuplicateOf)
	}

	if classified.Classification == "" {
		classified.Classification = models.ClassSuccess
	}

	b.log.Debug().
		Str("invoice", inv.InvoiceNumber).
		Str("classification", string(classified.Classification)).
		Strs("reasons", classified.Reasons).
		Msg("Invoice classified")

	return classified
}

// Downgrade lowers a success classification to partial after a soft
// downstream error (rejected ledger field, failed CRM sync).
func Downgrade(classified *models.ClassifiedInvoice, reason string) {
	if classified.Classification == models.ClassSuccess {
		classified.Classification = models.ClassPartial
	}
	classified.Reasons = append(classified.Reasons, reason)
}

// missingRequiredFields lists the ledger-required fields absent from the
// invoice.
func (b *Builder) missingRequiredFields(inv *models.Invoice) []string {
	var missing []string

	if inv.InvoiceNumber == "" {
		missing = append(missing, "invoice_number")
	}
	if inv.IssueDate.IsZero() {
		missing = append(missing, "issue_date")
	}
	if inv.Currency == "" {
		missing = append(missing, "currency")
	}
	if inv.GrossAmount == 0 {
		missing = append(missing, "gross_amount")
	}
	switch inv.Kind {
	case models.KindExpense:
		if inv.Seller.Name == "" {
			missing = append(missing, "seller_name")
		}
		if inv.Seller.TaxID == "" {
			missing = append(missing, "seller_tax_id")
		}
	case models.KindSale:
		if inv.Buyer.Name == "" {
			missing = append(missing, "buyer_name")
		}
	default:
		missing = append(missing, "kind")
	}

	return missing
}

// paidExtractors is the ordered chain resolving the paid amount: explicit
// figure, printed label, gross minus outstanding, payment-status verdict.
var paidExtractors = []func(*models.Invoice) (float64, bool){
	func(inv *models.Invoice) (float64, bool) {
		if inv.AmountPaid != 0 {
			return inv.AmountPaid, true
		}
		return 0, false
	},
	func(inv *models.Invoice) (float64, bool) {
		if inv.AmountPaidText == "" {
			return 0, false
		}
		amount, err := extraction.ParseAmount(inv.AmountPaidText)
		if err != nil {
			return 0, false
		}
		return amount, true
	},
	func(inv *models.Invoice) (float64, bool) {
		if inv.OutstandingBalance != 0 && inv.GrossAmount != 0 {
			return inv.GrossAmount - inv.OutstandingBalance, true
		}
		return 0, false
	},
	func(inv *models.Invoice) (float64, bool) {
		switch inv.PaymentStatus {
		case models.PaymentPaid:
			return inv.GrossAmount, true
		case models.PaymentUnpaid:
			return 0, true
		}
		return 0, false
	},
}

// ResolvePaidAmount runs the extractor chain and clamps the result to
// [0, gross].
func ResolvePaidAmount(inv *models.Invoice) float64 {
	for _, extract := range paidExtractors {
		if amount, ok := extract(inv); ok {
			return clamp(amount, 0, inv.GrossAmount)
		}
	}
	return 0
}

// rateCode renders a VAT rate as the ledger's string code.
func rateCode(rate float64, exempt bool) string {
	if exempt {
		return "zw"
	}
	if rate == math.Trunc(rate) {
		return fmt.Sprintf("%d", int(rate))
	}
	return fmt.Sprintf("%.2f", rate)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
