package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperflow/internal/config"
	"paperflow/pkg/models"
)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(&config.Config{CompanyTaxID: "527-000-11-22"})
}

func TestFillMissingTaxAmounts_VatFromGross(t *testing.T) {
	n := newTestNormalizer()

	inv := n.Normalize(RawInvoice{
		Kind:          "expense",
		InvoiceNumber: "FV 1/2024",
		GrossAmount:   "100,00",
		VatLines: []RawVatLine{
			{Rate: "23%", Gross: "100,00"},
		},
	}, "file-1", 0)

	assert.InDelta(t, 23.0, inv.VatAmount, 0.001)
	assert.InDelta(t, 77.0, inv.NetAmount, 0.001)
	assert.InDelta(t, 100.0, inv.GrossAmount, 0.001)
}

func TestFillMissingTaxAmounts_Invertibility(t *testing.T) {
	tests := []struct {
		name string
		line models.VatLine
	}{
		{"gross missing", models.VatLine{RatePercent: 23, NetAmount: 77, VatAmount: 23}},
		{"net missing", models.VatLine{RatePercent: 23, VatAmount: 23, GrossAmount: 100}},
		{"vat and net missing", models.VatLine{RatePercent: 8, GrossAmount: 216}},
		{"odd figures", models.VatLine{RatePercent: 5, GrossAmount: 123.45}},
	}

	n := newTestNormalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &models.Invoice{InvoiceNumber: "FV 2/2024", VatLines: []models.VatLine{tt.line}}
			n.FillMissingTaxAmounts(inv)

			line := inv.VatLines[0]
			assert.NotZero(t, line.NetAmount)
			assert.NotZero(t, line.GrossAmount)
			assert.InDelta(t, line.GrossAmount, line.NetAmount+line.VatAmount, 0.01)
		})
	}
}

func TestFillMissingTaxAmounts_Idempotent(t *testing.T) {
	n := newTestNormalizer()

	inv := &models.Invoice{
		InvoiceNumber: "FV 3/2024",
		VatLines:      []models.VatLine{{RatePercent: 23, GrossAmount: 100}},
	}
	n.FillMissingTaxAmounts(inv)
	first := *inv
	firstLines := append([]models.VatLine(nil), inv.VatLines...)

	n.FillMissingTaxAmounts(inv)
	assert.Equal(t, first.NetAmount, inv.NetAmount)
	assert.Equal(t, first.VatAmount, inv.VatAmount)
	assert.Equal(t, first.GrossAmount, inv.GrossAmount)
	assert.Equal(t, firstLines, inv.VatLines)
}

func TestFillMissingTaxAmounts_NeverOverwritesSupplied(t *testing.T) {
	n := newTestNormalizer()

	// Printed VAT disagrees with gross*rate/100; the printed figure wins.
	inv := &models.Invoice{
		InvoiceNumber:  "FV 4/2024",
		VatRatePercent: 23,
		VatAmount:      18.70,
		GrossAmount:    100,
	}
	n.FillMissingTaxAmounts(inv)

	assert.InDelta(t, 18.70, inv.VatAmount, 0.001)
	assert.InDelta(t, 81.30, inv.NetAmount, 0.001)
}

func TestFillMissingTaxAmounts_ExemptLine(t *testing.T) {
	n := newTestNormalizer()

	inv := &models.Invoice{
		InvoiceNumber: "FV 5/2024",
		VatLines:      []models.VatLine{{Exempt: true, GrossAmount: 250}},
	}
	n.FillMissingTaxAmounts(inv)

	line := inv.VatLines[0]
	assert.Zero(t, line.VatAmount)
	assert.InDelta(t, 250.0, line.NetAmount, 0.001)
	assert.InDelta(t, 250.0, inv.GrossAmount, 0.001)
}

func TestNormalize_KindResolution(t *testing.T) {
	n := newTestNormalizer()

	tests := []struct {
		name       string
		raw        RawInvoice
		wantKind   models.InvoiceKind
		wantReview bool
	}{
		{
			name:     "explicit sale",
			raw:      RawInvoice{Kind: "sale"},
			wantKind: models.KindSale,
		},
		{
			name:     "we are the seller",
			raw:      RawInvoice{Seller: RawParty{TaxID: "5270001122"}},
			wantKind: models.KindSale,
		},
		{
			name:     "we are the buyer",
			raw:      RawInvoice{Buyer: RawParty{TaxID: "PL 527-000-11-22"}},
			wantKind: models.KindExpense,
		},
		{
			name:       "undeterminable",
			raw:        RawInvoice{Seller: RawParty{TaxID: "111"}, Buyer: RawParty{TaxID: "222"}},
			wantKind:   models.KindExpense,
			wantReview: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := n.Normalize(tt.raw, "file-1", 0)
			assert.Equal(t, tt.wantKind, inv.Kind)
			assert.Equal(t, tt.wantReview, inv.RequiresManualReview)
		})
	}
}

func TestNormalize_MultiCurrencyFlagsReview(t *testing.T) {
	n := newTestNormalizer()

	inv := n.Normalize(RawInvoice{
		Kind:           "expense",
		Currency:       "PLN",
		CurrenciesSeen: []string{"zł", "EUR"},
	}, "file-1", 2)

	assert.Equal(t, []string{"PLN", "EUR"}, inv.DetectedCurrencies)
	assert.True(t, inv.RequiresManualReview)
	assert.Equal(t, 2, inv.SourcePage)
}

func TestNormalize_SynonymTables(t *testing.T) {
	n := newTestNormalizer()

	inv := n.Normalize(RawInvoice{
		Kind:          "expense",
		PaymentMethod: "Przelew bankowy",
		PaymentStatus: "zapłacono",
	}, "f", 0)

	assert.Equal(t, "transfer", inv.PaymentMethod)
	assert.Equal(t, models.PaymentPaid, inv.PaymentStatus)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"123,45", 123.45, false},
		{"123.45", 123.45, false},
		{"1.234,56", 1234.56, false},
		{"1 234,56", 1234.56, false},
		{"1,234", 1234, false},
		{"1,234,567", 1234567, false},
		{"1 200 zł", 1200, false},
		{"-50,00", -50, false},
		{"123,45 PLN", 123.45, false},
		{"", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}

func TestParseVatRate(t *testing.T) {
	tests := []struct {
		in         string
		wantRate   float64
		wantExempt bool
		wantOK     bool
	}{
		{"23", 23, false, true},
		{"23%", 23, false, true},
		{"8 %", 8, false, true},
		{"0", 0, false, true},
		{"zw.", 0, true, true},
		{"ZW", 0, true, true},
		{"zwolniony", 0, true, true},
		{"np.", 0, true, true},
		{"", 0, false, false},
		{"150", 0, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			rate, exempt, ok := ParseVatRate(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantExempt, exempt)
			assert.InDelta(t, tt.wantRate, rate, 0.001)
		})
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2024-05-12", "2024-05-12"},
		{"12.05.2024", "2024-05-12"},
		{"12-05-2024", "2024-05-12"},
		{"12/05/2024", "2024-05-12"},
	}

	for _, tt := range tests {
		got := parseDate(tt.in)
		require.False(t, got.IsZero(), tt.in)
		assert.Equal(t, tt.want, got.Format("2006-01-02"))
	}

	assert.True(t, parseDate("not a date").IsZero())
	assert.True(t, parseDate("").IsZero())
}
