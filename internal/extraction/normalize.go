package extraction

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"paperflow/internal/config"
	"paperflow/internal/logger"
	"paperflow/pkg/models"
)

// Normalizer converts raw per-page extraction payloads into canonical
// invoices: coerces printed figures to numbers, normalizes codes and
// backfills whichever monetary fields the document left out.
type Normalizer struct {
	companyTaxID string
	log          zerolog.Logger
}

// NewNormalizer creates a normalizer bound to our company identity.
func NewNormalizer(cfg *config.Config) *Normalizer {
	return &Normalizer{
		companyTaxID: digitsOnly(cfg.CompanyTaxID),
		log:          logger.WithComponent("normalizer"),
	}
}

// paymentMethodSynonyms maps each canonical payment-method code to the
// labels seen on documents. Data, not branching code.
var paymentMethodSynonyms = map[string][]string{
	"transfer":     {"przelew", "przelewem", "przelew bankowy", "transfer", "wire"},
	"cash":         {"gotówka", "gotowka", "gotówką", "cash"},
	"card":         {"karta", "kartą", "karta płatnicza", "card"},
	"compensation": {"kompensata", "potrącenie", "compensation"},
	"cod":          {"pobranie", "za pobraniem", "cod"},
}

// paymentStatusSynonyms maps normalized payment states to printed labels.
var paymentStatusSynonyms = map[models.PaymentStatus][]string{
	models.PaymentPaid:    {"zapłacono", "zaplacono", "opłacona", "oplacona", "zapłacone", "paid"},
	models.PaymentPartial: {"zapłacono częściowo", "częściowo opłacona", "partially paid"},
	models.PaymentUnpaid:  {"do zapłaty", "nieopłacona", "nieoplacona", "niezapłacona", "unpaid"},
}

// exemptMarkers are the printed forms of the VAT exemption rate.
var exemptMarkers = []string{"zw", "zw.", "zwolniony", "zwolniona", "zwolnione", "np", "np."}

// Normalize converts one raw invoice into the canonical model. It never
// fails outright; unparseable figures stay absent and are either derived
// by the backfill or caught later by ledger validation.
func (n *Normalizer) Normalize(raw RawInvoice, fileID string, page int) *models.Invoice {
	inv := &models.Invoice{
		InvoiceNumber: strings.TrimSpace(raw.InvoiceNumber),
		Currency:      normalizeCurrency(firstNonEmpty(
			func() string { return raw.Currency },
			func() string {
				if len(raw.CurrenciesSeen) > 0 {
					return raw.CurrenciesSeen[0]
				}
				return ""
			},
			func() string { return "PLN" },
		)),
		Seller: models.Party{
			Name:    strings.TrimSpace(raw.Seller.Name),
			TaxID:   digitsOnly(raw.Seller.TaxID),
			Address: normalizeAddress(raw.Seller.Address),
		},
		Buyer: models.Party{
			Name:    strings.TrimSpace(raw.Buyer.Name),
			TaxID:   digitsOnly(raw.Buyer.TaxID),
			Address: normalizeAddress(raw.Buyer.Address),
		},
		PaymentMethod:  normalizeFromTable(raw.PaymentMethod, paymentMethodSynonyms, "other"),
		AmountPaidText: strings.TrimSpace(raw.AmountPaidText),
		SourceFile:     fileID,
		SourcePage:     page,
	}

	inv.Kind = n.resolveKind(raw, inv)
	inv.IssueDate = parseDate(raw.IssueDate)
	inv.PaymentStatus = normalizeStatus(raw.PaymentStatus)

	inv.NetAmount = parseAmountOrZero(raw.NetAmount)
	inv.VatAmount = parseAmountOrZero(raw.VatAmount)
	inv.GrossAmount = parseAmountOrZero(raw.GrossAmount)
	inv.AmountPaid = parseAmountOrZero(raw.AmountPaid)
	inv.OutstandingBalance = parseAmountOrZero(raw.Outstanding)

	if rate, exempt, ok := ParseVatRate(raw.VatRate); ok {
		inv.VatRatePercent = rate
		inv.VatExempt = exempt
	}

	for _, rawLine := range raw.VatLines {
		line := models.VatLine{
			NetAmount:   parseAmountOrZero(rawLine.Net),
			VatAmount:   parseAmountOrZero(rawLine.Vat),
			GrossAmount: parseAmountOrZero(rawLine.Gross),
		}
		if rate, exempt, ok := ParseVatRate(rawLine.Rate); ok {
			line.RatePercent = rate
			line.Exempt = exempt
		} else {
			// Rate missing on the row: default to the invoice rate.
			line.RatePercent = inv.VatRatePercent
			line.Exempt = inv.VatExempt
		}
		inv.VatLines = append(inv.VatLines, line)
	}

	for _, rawItem := range raw.LineItems {
		item := models.LineItem{
			Name:        strings.TrimSpace(rawItem.Name),
			Quantity:    parseAmountOrZero(rawItem.Quantity),
			UnitNet:     parseAmountOrZero(rawItem.UnitNet),
			NetAmount:   parseAmountOrZero(rawItem.Net),
			GrossAmount: parseAmountOrZero(rawItem.Gross),
		}
		if rate, exempt, ok := ParseVatRate(rawItem.Rate); ok {
			item.VatRate = rate
			item.VatExempt = exempt
		} else {
			item.VatRate = inv.VatRatePercent
			item.VatExempt = inv.VatExempt
		}
		inv.LineItems = append(inv.LineItems, item)
	}

	for _, cur := range raw.CurrenciesSeen {
		normalized := normalizeCurrency(cur)
		if normalized != "" && !containsString(inv.DetectedCurrencies, normalized) {
			inv.DetectedCurrencies = append(inv.DetectedCurrencies, normalized)
		}
	}
	if len(inv.DetectedCurrencies) > 1 {
		inv.FlagForReview("multiple currencies detected on document")
	}

	n.FillMissingTaxAmounts(inv)

	return inv
}

// resolveKind prefers the backend's sale/expense verdict and falls back to
// comparing party tax IDs against our own NIP.
func (n *Normalizer) resolveKind(raw RawInvoice, inv *models.Invoice) models.InvoiceKind {
	switch strings.ToLower(strings.TrimSpace(raw.Kind)) {
	case "sale":
		return models.KindSale
	case "expense":
		return models.KindExpense
	}
	if n.companyTaxID != "" {
		if inv.Seller.TaxID == n.companyTaxID {
			return models.KindSale
		}
		if inv.Buyer.TaxID == n.companyTaxID {
			return models.KindExpense
		}
	}
	inv.FlagForReview("invoice kind could not be determined")
	return models.KindExpense
}

// FillMissingTaxAmounts derives the absent members of {net, vat, gross}
// for every VAT line and for the invoice aggregate, given the rate.
//
// When VAT is absent it is taken as gross*rate/100 — the flat percentage
// of the printed gross figure, mirroring how Polish invoices itemize the
// "Sprzedaż opodatkowana"/"PTU" rows. This is intentionally not the
// inclusive gross/(1+r) back-calculation.
//
// Fields the extraction supplied are never overwritten. Every derived
// figure is logged for audit. Re-applying is a no-op.
func (n *Normalizer) FillMissingTaxAmounts(inv *models.Invoice) {
	for i := range inv.VatLines {
		n.fillAmounts(&lineAmounts{&inv.VatLines[i]}, inv.InvoiceNumber, i)
	}

	// Roll line figures up into absent top-level fields before solving the
	// aggregate, so a VAT known only per line is not lost to gross-vat.
	if len(inv.VatLines) > 0 {
		var sumNet, sumVat, sumGross float64
		for _, line := range inv.VatLines {
			sumNet += line.NetAmount
			sumVat += line.VatAmount
			sumGross += line.GrossAmount
		}
		if inv.NetAmount == 0 && sumNet != 0 {
			inv.NetAmount = round2(sumNet)
			n.audit(inv.InvoiceNumber, -1, "net", inv.NetAmount, "sum of VAT lines")
		}
		if inv.VatAmount == 0 && sumVat != 0 {
			inv.VatAmount = round2(sumVat)
			n.audit(inv.InvoiceNumber, -1, "vat", inv.VatAmount, "sum of VAT lines")
		}
		if inv.GrossAmount == 0 && sumGross != 0 {
			inv.GrossAmount = round2(sumGross)
			n.audit(inv.InvoiceNumber, -1, "gross", inv.GrossAmount, "sum of VAT lines")
		}
	}

	n.fillAmounts(&invoiceAmounts{inv}, inv.InvoiceNumber, -1)
}

// amountRow abstracts the three figures plus rate shared by a VAT line and
// the invoice aggregate so one solver covers both.
type amountRow interface {
	rate() float64
	net() float64
	vat() float64
	gross() float64
	setNet(float64)
	setVat(float64)
	setGross(float64)
}

type lineAmounts struct{ l *models.VatLine }

func (a *lineAmounts) rate() float64 { return a.l.RatePercent }
func (a *lineAmounts) net() float64 { return a.l.NetAmount }
func (a *lineAmounts) vat() float64 { return a.l.VatAmount }
func (a *lineAmounts) gross() float64 { return a.l.GrossAmount }
func (a *lineAmounts) setNet(v float64) { a.l.NetAmount = v }
func (a *lineAmounts) setVat(v float64) { a.l.VatAmount = v }
func (a *lineAmounts) setGross(v float64) { a.l.GrossAmount = v }

type invoiceAmounts struct{ inv *models.Invoice }

func (a *invoiceAmounts) rate() float64 { return a.inv.VatRatePercent }
func (a *invoiceAmounts) net() float64 { return a.inv.NetAmount }
func (a *invoiceAmounts) vat() float64 { return a.inv.VatAmount }
func (a *invoiceAmounts) gross() float64 { return a.inv.GrossAmount }
func (a *invoiceAmounts) setNet(v float64) { a.inv.NetAmount = v }
func (a *invoiceAmounts) setVat(v float64) { a.inv.VatAmount = v }
func (a *invoiceAmounts) setGross(v float64) { a.inv.GrossAmount = v }

// fillAmounts solves for the missing members of {net, vat, gross} on one
// row. Returns true when any figure was derived.
func (n *Normalizer) fillAmounts(row amountRow, number string, lineIdx int) bool {
	filled := false

	if row.vat() == 0 && row.gross() != 0 && row.rate() != 0 {
		row.setVat(round2(row.gross() * row.rate() / 100))
		n.audit(number, lineIdx, "vat", row.vat(), "gross * rate/100")
		filled = true
	}
	if row.net() == 0 {
		switch {
		case row.gross() != 0:
			row.setNet(round2(row.gross() - row.vat()))
			n.audit(number, lineIdx, "net", row.net(), "gross - vat")
			filled = true
		case row.vat() != 0 && row.rate() != 0:
			row.setNet(round2(row.vat() * 100 / row.rate()))
			n.audit(number, lineIdx, "net", row.net(), "vat * 100/rate")
			filled = true
		}
	}
	if row.gross() == 0 && (row.net() != 0 || row.vat() != 0) {
		row.setGross(round2(row.net() + row.vat()))
		n.audit(number, lineIdx, "gross", row.gross(), "net + vat")
		filled = true
	}

	return filled
}

func (n *Normalizer) audit(number string, lineIdx int, field string, value float64, from string) {
	event := n.log.Info().
		Str("invoice", number).
		Str("field", field).
		Float64("value", value).
		Str("derived_from", from)
	if lineIdx >= 0 {
		event = event.Int("vat_line", lineIdx)
	}
	event.Msg("Derived missing amount")
}

// ParseAmount coerces a printed monetary string to a number. Handles both
// comma and dot decimals, thousands separators, currency symbols and
// leading minus signs.
func ParseAmount(amountStr string) (float64, error) {
	cleaned := strings.TrimSpace(amountStr)
	if cleaned == "" {
		return 0, strconv.ErrSyntax
	}

	isNegative := strings.HasPrefix(cleaned, "-")
	cleaned = strings.TrimPrefix(cleaned, "-")

	for _, junk := range []string{" ", " ", "zł", "zl", "PLN", "EUR", "USD", "€", "$"} {
		cleaned = strings.ReplaceAll(cleaned, junk, "")
	}

	if strings.Contains(cleaned, ",") {
		if strings.Contains(cleaned, ".") {
			// Full Polish format 1.234,56: dots are thousands separators.
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.ReplaceAll(cleaned, ",", ".")
		} else {
			parts := strings.Split(cleaned, ",")
			if len(parts) == 2 && len(parts[1]) <= 2 {
				cleaned = strings.ReplaceAll(cleaned, ",", ".")
			} else {
				// Comma as thousands separator (1,234 or 1,234,567).
				cleaned = strings.ReplaceAll(cleaned, ",", "")
			}
		}
	}

	amount, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, err
	}
	if isNegative {
		amount = -amount
	}
	return round2(amount), nil
}

func parseAmountOrZero(amountStr string) float64 {
	amount, err := ParseAmount(amountStr)
	if err != nil {
		return 0
	}
	return amount
}

// ParseVatRate parses a printed VAT rate. Exemption markers ("zw.",
// "zwolniony", "np.") come back as rate 0 with exempt set. The third
// return is false when nothing usable was printed.
func ParseVatRate(rateStr string) (float64, bool, bool) {
	cleaned := strings.ToLower(strings.TrimSpace(rateStr))
	if cleaned == "" {
		return 0, false, false
	}

	for _, marker := range exemptMarkers {
		if cleaned == marker {
			return 0, true, true
		}
	}

	cleaned = strings.TrimSuffix(cleaned, "%")
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	cleaned = strings.TrimSpace(cleaned)

	rate, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || rate < 0 || rate > 100 {
		return 0, false, false
	}
	return rate, false, true
}

// parseDate tries the date layouts that show up on Polish invoices.
func parseDate(dateStr string) time.Time {
	cleaned := strings.TrimSpace(dateStr)
	if cleaned == "" {
		return time.Time{}
	}
	formats := []string{
		"2006-01-02",
		"02.01.2006",
		"2.1.2006",
		"02-01-2006",
		"02/01/2006",
	}
	for _, format := range formats {
		if date, err := time.Parse(format, cleaned); err == nil {
			return date
		}
	}
	return time.Time{}
}

// normalizeFromTable maps a printed label to its canonical code through a
// synonym table; unknown non-empty labels become fallback.
func normalizeFromTable(value string, table map[string][]string, fallback string) string {
	cleaned := strings.ToLower(strings.TrimSpace(value))
	if cleaned == "" {
		return ""
	}
	for code, synonyms := range table {
		for _, synonym := range synonyms {
			if cleaned == synonym {
				return code
			}
		}
	}
	return fallback
}

func normalizeStatus(value string) models.PaymentStatus {
	cleaned := strings.ToLower(strings.TrimSpace(value))
	if cleaned == "" {
		return models.PaymentUnknown
	}
	for status, synonyms := range paymentStatusSynonyms {
		for _, synonym := range synonyms {
			if cleaned == synonym {
				return status
			}
		}
	}
	return models.PaymentUnknown
}

// normalizeCurrency standardizes currency tokens to ISO codes.
func normalizeCurrency(currency string) string {
	normalized := strings.ToUpper(strings.TrimSpace(currency))
	switch normalized {
	case "":
		return ""
	case "ZŁ", "ZL", "ZŁOTY", "ZLOTY", "PLN":
		return "PLN"
	case "€", "EURO", "EUROS", "EUR":
		return "EUR"
	case "$", "DOLLAR", "DOLLARS", "USD", "US$":
		return "USD"
	case "£", "POUND", "POUNDS", "GBP":
		return "GBP"
	default:
		if len(normalized) == 3 {
			return normalized
		}
		return "PLN"
	}
}

// normalizeAddress collapses the multi-line address block into one line.
func normalizeAddress(address string) string {
	fields := strings.FieldsFunc(address, func(r rune) bool {
		return r == '\n' || r == '\r'
	})
	var parts []string
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, ", ")
}

// digitsOnly strips everything but digits; NIPs print with dashes and an
// optional PL prefix.
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// firstNonEmpty tries the extractors in order until one yields a value.
func firstNonEmpty(extractors ...func() string) string {
	for _, extract := range extractors {
		if value := strings.TrimSpace(extract()); value != "" {
			return value
		}
	}
	return ""
}

func containsString(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
