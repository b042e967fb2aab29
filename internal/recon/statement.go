package recon

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNoEntries is returned when a statement yields no credit entries.
var ErrNoEntries = errors.New("statement contains no credit entries")

// Entry is one credit line of a bank statement. Debits are dropped during
// parsing; everything downstream only ever sees money received.
type Entry struct {
	Amount     float64
	Date       time.Time
	Title      string
	Sender     string
	EndToEndID string

	// Source span of the entry in the statement file, 1-based inclusive.
	LineFrom int
	LineTo   int

	// Normalized text, computed once at parse time.
	NormTitle  string
	NormSender string

	// Used marks the entry as consumed by a match.
	Used bool
}

// Text returns the searchable remittance text of the entry.
func (e *Entry) Text() string {
	if e.NormSender == "" {
		return e.NormTitle
	}
	return e.NormTitle + " " + e.NormSender
}

// ParseStatement reads an MT940-style statement and returns its credit
// entries in file order. Each entry is a :61: line plus the :86: details
// block that follows it.
func ParseStatement(data []byte) ([]Entry, error) {
	const op = "ParseStatement"

	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")

	var entries []Entry
	var current *Entry
	var details []string
	credit := false

	flush := func(lastLine int) {
		if current == nil {
			return
		}
		if credit {
			current.LineTo = lastLine
			applyDetails(current, details)
			current.NormTitle = NormalizeText(current.Title)
			current.NormSender = NormalizeText(current.Sender)
			entries = append(entries, *current)
		}
		current = nil
		details = nil
	}

	for i, line := range lines {
		lineNo := i + 1
		switch {
		case strings.HasPrefix(line, ":61:"):
			flush(lineNo - 1)
			entry, isCredit, err := parseEntryLine(line[len(":61:"):])
			if err != nil {
				return nil, fmt.Errorf("%s: line %d: %w", op, lineNo, err)
			}
			entry.LineFrom = lineNo
			current = &entry
			credit = isCredit
		case strings.HasPrefix(line, ":86:"):
			if current != nil {
				details = append(details, strings.TrimPrefix(line, ":86:"))
			}
		case strings.HasPrefix(line, ":"):
			// Any other tag terminates the open entry.
			flush(lineNo - 1)
		default:
			// Continuation of the :86: details block.
			if current != nil && len(details) > 0 && strings.TrimSpace(line) != "" {
				details = append(details, line)
			}
		}
	}
	flush(len(lines))

	if len(entries) == 0 {
		return nil, ErrNoEntries
	}
	return entries, nil
}

// parseEntryLine decodes the body of a :61: line: value date YYMMDD, an
// optional MMDD entry date, a debit/credit mark, an optional funds code,
// the comma-decimal amount, and an optional //reference.
func parseEntryLine(body string) (Entry, bool, error) {
	if len(body) < 10 {
		return Entry{}, false, fmt.Errorf("entry line too short: %q", body)
	}

	date, err := time.Parse("060102", body[:6])
	if err != nil {
		return Entry{}, false, fmt.Errorf("invalid value date: %w", err)
	}
	rest := body[6:]

	// Optional 4-digit entry date.
	if len(rest) >= 4 && allDigits(rest[:4]) {
		rest = rest[4:]
	}

	credit := false
	switch {
	case strings.HasPrefix(rest, "RC"), strings.HasPrefix(rest, "RD"):
		// Reversals count as the opposite side; a reversed debit is money in.
		credit = strings.HasPrefix(rest, "RD")
		rest = rest[2:]
	case strings.HasPrefix(rest, "C"):
		credit = true
		rest = rest[1:]
	case strings.HasPrefix(rest, "D"):
		rest = rest[1:]
	default:
		return Entry{}, false, fmt.Errorf("missing debit/credit mark: %q", body)
	}

	// Optional funds code letter before the amount.
	if len(rest) > 0 && rest[0] >= 'A' && rest[0] <= 'Z' {
		rest = rest[1:]
	}

	end := 0
	for end < len(rest) && (rest[end] >= '0' && rest[end] <= '9' || rest[end] == ',') {
		end++
	}
	if end == 0 {
		return Entry{}, false, fmt.Errorf("missing amount: %q", body)
	}
	amount, err := strconv.ParseFloat(strings.ReplaceAll(rest[:end], ",", "."), 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("invalid amount: %w", err)
	}

	entry := Entry{Amount: amount, Date: date}
	if idx := strings.Index(rest[end:], "//"); idx >= 0 {
		entry.EndToEndID = strings.TrimSpace(rest[end+idx+2:])
	}
	return entry, credit, nil
}

// applyDetails fills title and sender from the :86: block. Polish bank
// exports subdivide the block with ~NN markers: ~20..~25 carry the
// remittance text, ~32/~33 the counterparty name. Plain blocks become the
// title wholesale.
func applyDetails(entry *Entry, details []string) {
	text := strings.Join(details, "")
	if !strings.Contains(text, "~") {
		entry.Title = strings.TrimSpace(strings.Join(details, " "))
		return
	}

	var title, sender []string
	for _, field := range strings.Split(text, "~")[1:] {
		if len(field) < 2 {
			continue
		}
		tag, value := field[:2], strings.TrimSpace(field[2:])
		if value == "" {
			continue
		}
		switch {
		case tag >= "20" && tag <= "25":
			title = append(title, value)
		case tag == "32" || tag == "33":
			sender = append(sender, value)
		case tag == "63" && entry.EndToEndID == "":
			entry.EndToEndID = value
		}
	}
	entry.Title = strings.Join(title, " ")
	entry.Sender = strings.Join(sender, " ")
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
