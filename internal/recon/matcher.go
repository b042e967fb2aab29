package recon

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/xrash/smetrics"

	"paperflow/internal/ledger"
	"paperflow/internal/logger"
)

const (
	// centTolerance makes the amount comparison cent-exact under float64.
	centTolerance = 0.005

	// nameSimilarityStrong accepts an amount match on name alone.
	nameSimilarityStrong = 0.8

	// nameSimilarityWeak needs the due date within dueDateSlack too.
	nameSimilarityWeak = 0.7
	dueDateSlack       = 3 * 24 * time.Hour

	// dueDateGrace extends the match window past the due date for late
	// payers.
	dueDateGrace = 30 * 24 * time.Hour

	// singleDateLead widens the window backwards when only one invoice
	// date is known.
	singleDateLead = 5 * 24 * time.Hour
)

// Match tiers, strongest first.
const (
	TierPattern = iota + 1 // statement text contains an invoice pattern
	TierAmountName         // cent-exact amount and a strong name
	TierAmountDate         // cent-exact amount, weaker name, near due date
)

// Outstanding is a ledger invoice awaiting payment, enriched with the
// derived matching material. Rebuilt from the ledger on every run.
type Outstanding struct {
	ID        string
	Number    string
	BuyerName string
	IssueDate time.Time
	DueDate   time.Time
	Remaining float64

	patterns   []string
	normBuyer  string
	windowFrom time.Time
	windowTo   time.Time
}

// NewOutstanding derives patterns and the date window from a ledger
// record.
func NewOutstanding(rec ledger.Record) Outstanding {
	out := Outstanding{
		ID:        rec.ID,
		Number:    rec.Number,
		BuyerName: rec.BuyerName,
		IssueDate: parseLedgerDate(rec.IssueDate),
		DueDate:   parseLedgerDate(rec.DueDate),
		Remaining: rec.Remaining,
	}
	out.patterns = numberPatterns(rec.Number)
	out.patterns = append(out.patterns, numberPatterns(rec.OrderNumber)...)
	out.normBuyer = NormalizeText(rec.BuyerName)
	out.windowFrom, out.windowTo = matchWindow(out.IssueDate, out.DueDate)
	return out
}

// numberPatterns expands one document number into its searchable variants:
// the normalized raw form, hyphen-joined, slash-joined, and digits-only.
func numberPatterns(number string) []string {
	norm := NormalizeText(number)
	if norm == "" {
		return nil
	}

	seen := map[string]bool{}
	var patterns []string
	add := func(p string) {
		if len(p) >= 4 && !seen[p] {
			seen[p] = true
			patterns = append(patterns, p)
		}
	}

	add(norm)
	parts := strings.FieldsFunc(norm, func(r rune) bool {
		return r == ' ' || r == '/' || r == '-'
	})
	add(strings.Join(parts, "-"))
	add(strings.Join(parts, "/"))
	add(digitsOf(norm))
	return patterns
}

// matchWindow is [issue, due+30d], or a -5d/+30d band around whichever
// single date is known. No dates disables the window.
func matchWindow(issue, due time.Time) (time.Time, time.Time) {
	switch {
	case !issue.IsZero() && !due.IsZero():
		return issue, due.Add(dueDateGrace)
	case !issue.IsZero():
		return issue.Add(-singleDateLead), issue.Add(dueDateGrace)
	case !due.IsZero():
		return due.Add(-singleDateLead), due.Add(dueDateGrace)
	default:
		return time.Time{}, time.Time{}
	}
}

func (o *Outstanding) inWindow(date time.Time) bool {
	if o.windowFrom.IsZero() {
		return true
	}
	return !date.Before(o.windowFrom) && !date.After(o.windowTo)
}

func parseLedgerDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Match ties one statement entry to one outstanding invoice.
type Match struct {
	InvoiceID     string
	InvoiceNumber string
	Amount        float64
	Date          time.Time
	EndToEndID    string
	LineFrom      int
	LineTo        int
	Tier          int
	Similarity    float64
	Cached        bool
}

// Matcher assigns statement credits to outstanding invoices, greedily and
// exclusively, replaying cached assignments for an unchanged statement.
type Matcher struct {
	ledger ledger.API
	cache  *MatchCache
	dryRun bool
	log    zerolog.Logger
}

// NewMatcher wires a matcher for one reconciliation run.
func NewMatcher(api ledger.API, cache *MatchCache, dryRun bool) *Matcher {
	return &Matcher{
		ledger: api,
		cache:  cache,
		dryRun: dryRun,
		log:    logger.WithComponent("recon"),
	}
}

// FetchOutstanding pages through unpaid ledger invoices for the given
// issue-date range.
func (m *Matcher) FetchOutstanding(ctx context.Context, from, to time.Time) ([]Outstanding, error) {
	const op = "FetchOutstanding"

	var invoices []Outstanding
	page := 1
	for {
		listing, err := m.ledger.List(ctx, from, to, "unpaid", page)
		if err != nil {
			return nil, fmt.Errorf("%s: page %d: %w", op, page, err)
		}
		for _, rec := range listing.Records {
			if rec.Remaining <= 0 {
				continue
			}
			invoices = append(invoices, NewOutstanding(rec))
		}
		if listing.NextPage == 0 {
			break
		}
		page = listing.NextPage
	}

	m.log.Info().Int("outstanding", len(invoices)).Msg("Fetched outstanding invoices")
	return invoices, nil
}

// Reconcile matches statement entries against outstanding invoices and
// records a payment per match. Cached matches for an unchanged statement
// are replayed first and their entries marked used before fresh matching.
func (m *Matcher) Reconcile(ctx context.Context, statement []byte, entries []Entry, invoices []Outstanding) ([]Match, error) {
	hash := StatementHash(statement)
	log := m.log.With().Str("statement_hash", hash[:12]).Logger()

	cached, err := m.cache.Load(hash)
	if err != nil {
		log.Warn().Err(err).Msg("Match cache unreadable, starting fresh")
		cached = nil
	}

	var matches []Match
	matchedInvoices := map[string]bool{}

	for i := range invoices {
		inv := &invoices[i]
		prior, ok := cached[inv.ID]
		if !ok {
			continue
		}
		entry := findCachedEntry(entries, prior)
		if entry == nil || entry.Used {
			log.Warn().Str("invoice", inv.Number).Msg("Cached match no longer resolvable, will rematch")
			continue
		}
		entry.Used = true
		matchedInvoices[inv.ID] = true
		matches = append(matches, Match{
			InvoiceID:     inv.ID,
			InvoiceNumber: inv.Number,
			Amount:        entry.Amount,
			Date:          entry.Date,
			EndToEndID:    entry.EndToEndID,
			LineFrom:      entry.LineFrom,
			LineTo:        entry.LineTo,
			Cached:        true,
		})
	}
	if len(matches) > 0 {
		log.Info().Int("replayed", len(matches)).Msg("Replayed cached matches")
	}

	for i := range invoices {
		inv := &invoices[i]
		if matchedInvoices[inv.ID] {
			continue
		}
		entry, tier, sim := m.bestEntry(inv, entries)
		if entry == nil {
			continue
		}
		entry.Used = true
		matchedInvoices[inv.ID] = true
		matches = append(matches, Match{
			InvoiceID:     inv.ID,
			InvoiceNumber: inv.Number,
			Amount:        entry.Amount,
			Date:          entry.Date,
			EndToEndID:    entry.EndToEndID,
			LineFrom:      entry.LineFrom,
			LineTo:        entry.LineTo,
			Tier:          tier,
			Similarity:    sim,
		})
		log.Info().
			Str("invoice", inv.Number).
			Int("tier", tier).
			Float64("similarity", sim).
			Float64("amount", entry.Amount).
			Msg("Matched payment")
	}

	if !m.dryRun {
		if err := m.cache.Save(hash, matches); err != nil {
			log.Error().Err(err).Msg("Failed to persist match cache")
		}
		m.recordPayments(ctx, matches)
	}

	log.Info().
		Int("entries", len(entries)).
		Int("invoices", len(invoices)).
		Int("matches", len(matches)).
		Msg("Reconciliation finished")
	return matches, nil
}

// bestEntry scores every unused in-window entry against the invoice and
// returns the strongest. Ties break on higher similarity, then smaller
// distance from the due date, then statement order.
func (m *Matcher) bestEntry(inv *Outstanding, entries []Entry) (*Entry, int, float64) {
	var best *Entry
	bestTier := 0
	bestSim := 0.0
	var bestDelta time.Duration

	for i := range entries {
		entry := &entries[i]
		if entry.Used || !inv.inWindow(entry.Date) {
			continue
		}

		tier, sim := m.score(inv, entry)
		if tier == 0 {
			continue
		}
		delta := dateDelta(entry.Date, inv.DueDate)

		better := best == nil ||
			tier < bestTier ||
			(tier == bestTier && sim > bestSim) ||
			(tier == bestTier && sim == bestSim && delta < bestDelta)
		if better {
			best, bestTier, bestSim, bestDelta = entry, tier, sim, delta
		}
	}
	return best, bestTier, bestSim
}

// score assigns the entry its match tier for the invoice, 0 when none
// applies.
func (m *Matcher) score(inv *Outstanding, entry *Entry) (int, float64) {
	sim := smetrics.JaroWinkler(entry.NormSender, inv.normBuyer, 0.7, 4)

	text := entry.Text()
	for _, pattern := range inv.patterns {
		if strings.Contains(text, pattern) {
			return TierPattern, sim
		}
	}

	if math.Abs(entry.Amount-inv.Remaining) >= centTolerance {
		return 0, sim
	}
	if sim >= nameSimilarityStrong {
		return TierAmountName, sim
	}
	if sim >= nameSimilarityWeak && !inv.DueDate.IsZero() &&
		dateDelta(entry.Date, inv.DueDate) <= dueDateSlack {
		return TierAmountDate, sim
	}
	return 0, sim
}

// recordPayments pushes one payment per match into the ledger. Failures
// are logged and skipped, never retried.
func (m *Matcher) recordPayments(ctx context.Context, matches []Match) {
	for _, match := range matches {
		err := m.ledger.RecordPayment(ctx, match.InvoiceNumber, match.Amount, match.Date)
		if err != nil {
			m.log.Error().Err(err).
				Str("invoice", match.InvoiceNumber).
				Float64("amount", match.Amount).
				Msg("Failed to record payment")
			continue
		}
		m.log.Info().
			Str("invoice", match.InvoiceNumber).
			Float64("amount", match.Amount).
			Bool("cached", match.Cached).
			Msg("Payment recorded")
	}
}

// findCachedEntry resolves a cached match back to a live entry, by
// end-to-end id first, then by source line span.
func findCachedEntry(entries []Entry, prior CachedMatch) *Entry {
	if prior.EndToEndID != "" {
		for i := range entries {
			if entries[i].EndToEndID == prior.EndToEndID {
				return &entries[i]
			}
		}
	}
	for i := range entries {
		if entries[i].LineFrom == prior.LineFrom && entries[i].LineTo == prior.LineTo {
			return &entries[i]
		}
	}
	return nil
}

func dateDelta(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
