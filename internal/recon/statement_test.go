package recon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStatement = `:20:ST240515
:25:PL61109010140000071219812874
:28C:00084/001
:60F:C240514PLN10000,00
:61:2405150515C123,45N051//E2E-001
:86:~00PRZELEW PRZYCHODZACY~20Zapłata za FV 12/05/2024~21~32ACME SP. Z O.O.~38PL932
:61:2405160516D50,00N641//REF-OUT
:86:~00OPLATA ZA PROWADZENIE RACHUNKU
:61:2405170517C1000,00N051
:86:WPLATA WLASNA JAN KOWALSKI
:62F:C240531PLN11073,45
`

func TestParseStatement_CreditsOnly(t *testing.T) {
	entries, err := ParseStatement([]byte(sampleStatement))
	require.NoError(t, err)
	require.Len(t, entries, 2, "the debit entry must be dropped")

	first := entries[0]
	assert.InDelta(t, 123.45, first.Amount, 0.001)
	assert.Equal(t, "2024-05-15", first.Date.Format("2006-01-02"))
	assert.Equal(t, "Zapłata za FV 12/05/2024", first.Title)
	assert.Equal(t, "ACME SP. Z O.O.", first.Sender)
	assert.Equal(t, "E2E-001", first.EndToEndID)
	assert.Equal(t, 5, first.LineFrom)
	assert.Equal(t, 6, first.LineTo)

	second := entries[1]
	assert.InDelta(t, 1000.0, second.Amount, 0.001)
	assert.Equal(t, "WPLATA WLASNA JAN KOWALSKI", second.Title)
	assert.Empty(t, second.Sender)
	assert.Empty(t, second.EndToEndID)
	assert.Equal(t, 9, second.LineFrom)
	assert.Equal(t, 10, second.LineTo)
}

func TestParseStatement_NormalizedText(t *testing.T) {
	entries, err := ParseStatement([]byte(sampleStatement))
	require.NoError(t, err)

	assert.Equal(t, "ZAPLATA ZA FV 12/05/2024", entries[0].NormTitle)
	assert.Equal(t, "ACME SP Z O O", entries[0].NormSender)
}

func TestParseStatement_NoCredits(t *testing.T) {
	statement := ":61:2405160516D50,00N641\n:86:~00OPLATA\n"
	_, err := ParseStatement([]byte(statement))
	assert.ErrorIs(t, err, ErrNoEntries)
}

func TestParseStatement_MalformedEntryLine(t *testing.T) {
	_, err := ParseStatement([]byte(":61:garbage\n"))
	assert.Error(t, err)
}
