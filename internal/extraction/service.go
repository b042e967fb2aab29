package extraction

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"paperflow/internal/config"
	"paperflow/internal/logger"
)

// RawParty is one side of an invoice as the backend reports it.
type RawParty struct {
	Name    string `json:"name"`
	TaxID   string `json:"tax_id"`
	Address string `json:"address"`
}

// RawVatLine is a single tax-rate row with all figures still as printed.
type RawVatLine struct {
	Rate  string `json:"rate"`
	Net   string `json:"net"`
	Vat   string `json:"vat"`
	Gross string `json:"gross"`
}

// RawLineItem is a single sale position as printed.
type RawLineItem struct {
	Name     string `json:"name"`
	Quantity string `json:"quantity"`
	UnitNet  string `json:"unit_net"`
	Net      string `json:"net"`
	Rate     string `json:"rate"`
	Gross    string `json:"gross"`
}

// RawInvoice is the untyped per-invoice payload returned for one page.
// Amounts stay strings until the normalizer coerces them; the backend is
// not trusted to do arithmetic or locale handling.
type RawInvoice struct {
	Kind           string        `json:"kind"`
	InvoiceNumber  string        `json:"invoice_number"`
	IssueDate      string        `json:"issue_date"`
	Currency       string        `json:"currency"`
	Seller         RawParty      `json:"seller"`
	Buyer          RawParty      `json:"buyer"`
	NetAmount      string        `json:"net_amount"`
	VatAmount      string        `json:"vat_amount"`
	GrossAmount    string        `json:"gross_amount"`
	VatRate        string        `json:"vat_rate"`
	VatLines       []RawVatLine  `json:"vat_lines"`
	LineItems      []RawLineItem `json:"line_items"`
	PaymentStatus  string        `json:"payment_status"`
	PaymentMethod  string        `json:"payment_method"`
	AmountPaid     string        `json:"amount_paid"`
	AmountPaidText string        `json:"amount_paid_text"`
	Outstanding    string        `json:"outstanding"`
	CurrenciesSeen []string      `json:"currencies_seen"`
}

// PageExtractor extracts zero or more raw invoices from one document page.
type PageExtractor interface {
	ExtractPage(ctx context.Context, doc *Document, page int) ([]RawInvoice, error)
}

// OpenAIExtractor implements PageExtractor against the OpenAI vision API.
type OpenAIExtractor struct {
	client  *openai.Client
	model   string
	company string
	log     zerolog.Logger
}

// NewOpenAIExtractor creates the extraction backend from configuration.
func NewOpenAIExtractor(cfg *config.Config) *OpenAIExtractor {
	return &OpenAIExtractor{
		client:  openai.NewClient(cfg.OpenAIAPIKey),
		model:   cfg.OpenAIModel,
		company: cfg.CompanyName,
		log:     logger.WithComponent("extraction"),
	}
}

// pageResponse is the JSON envelope the model is asked to return.
type pageResponse struct {
	Invoices []RawInvoice `json:"invoices"`
}

// ExtractPage sends one page image and parses the raw invoice payloads.
// Rate-limit and server errors surface as ErrOverloaded so the retry
// wrapper can apply the backoff schedule.
func (e *OpenAIExtractor) ExtractPage(ctx context.Context, doc *Document, page int) ([]RawInvoice, error) {
	const op = "ExtractPage"

	if page < 0 || page >= len(doc.Pages) {
		return nil, &Error{Op: op, Err: ErrEmptyDocument, File: doc.Name, Page: page}
	}

	image := doc.Pages[page]
	encoded := base64.StdEncoding.EncodeToString(image)
	imageURL := fmt.Sprintf("data:%s;base64,%s", http.DetectContentType(image), encoded)

	e.log.Debug().
		Str("file", doc.Name).
		Int("page", page).
		Int("image_bytes", len(image)).
		Str("model", e.model).
		Msg("Sending page to extraction backend")

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: 0.1,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: e.systemPrompt(),
			},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: fmt.Sprintf("Page %d of document %q. Extract every invoice visible on this page.", page+1, doc.Name),
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    imageURL,
							Detail: openai.ImageURLDetailHigh,
						},
					},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		if isOverload(err) {
			return nil, &Error{Op: op, Err: ErrOverloaded, File: doc.Name, Page: page, Details: err.Error()}
		}
		return nil, &Error{Op: op, Err: err, File: doc.Name, Page: page}
	}

	if len(resp.Choices) == 0 {
		return nil, &Error{Op: op, Err: ErrInvalidResponse, File: doc.Name, Page: page, Details: "no choices"}
	}

	content := resp.Choices[0].Message.Content
	var parsed pageResponse
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, &Error{Op: op, Err: ErrInvalidResponse, File: doc.Name, Page: page, Details: err.Error()}
	}

	e.log.Info().
		Str("file", doc.Name).
		Int("page", page).
		Int("invoices", len(parsed.Invoices)).
		Msg("Page extracted")

	return parsed.Invoices, nil
}

func (e *OpenAIExtractor) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You extract structured invoice data from scanned Polish accounting documents for ")
	b.WriteString(e.company)
	b.WriteString(".\n\n")
	b.WriteString(`Return ONLY a JSON object of the shape {"invoices": [...]} where each
invoice has: kind ("sale" when we issued it, "expense" when we received it),
invoice_number, issue_date (YYYY-MM-DD), currency, seller {name, tax_id,
address}, buyer {name, tax_id, address}, net_amount, vat_amount,
gross_amount, vat_rate, vat_lines [{rate, net, vat, gross}], line_items
[{name, quantity, unit_net, net, rate, gross}], payment_status,
payment_method, amount_paid, amount_paid_text, outstanding and
currencies_seen (every currency symbol or code printed anywhere on the page).

Rules:
- Copy amounts EXACTLY as printed, including comma decimals. Never compute
  a figure that is not printed; leave it as an empty string instead.
- A page may carry zero, one or several invoices. Emit one object each.
- VAT rates: copy "23", "8", "5", "0" or the exemption marker "zw." as is.
- Use empty strings for anything not printed. No prose outside the JSON.`)
	return b.String()
}

// isOverload reports whether the backend error is transient overload.
func isOverload(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	return false
}

// backoffSchedule is the fixed retry delay sequence for overloaded calls.
var backoffSchedule = []time.Duration{
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	32 * time.Second,
}

// RetryingExtractor wraps a PageExtractor with the fixed backoff schedule.
// Sleeps block the single worker; there are no timers in this host model.
type RetryingExtractor struct {
	inner PageExtractor
	sleep func(time.Duration)
	log   zerolog.Logger
}

// NewRetryingExtractor wraps inner with overload retries. A nil sleep
// defaults to time.Sleep; tests inject their own.
func NewRetryingExtractor(inner PageExtractor, sleep func(time.Duration)) *RetryingExtractor {
	if sleep == nil {
		sleep = time.Sleep
	}
	return &RetryingExtractor{
		inner: inner,
		sleep: sleep,
		log:   logger.WithComponent("extraction-retry"),
	}
}

// ExtractPage retries overloaded calls on the fixed schedule. When the
// schedule is exhausted the ErrOverloaded is returned unchanged; the
// scheduler defers the page rather than failing it.
func (r *RetryingExtractor) ExtractPage(ctx context.Context, doc *Document, page int) ([]RawInvoice, error) {
	invoices, err := r.inner.ExtractPage(ctx, doc, page)
	if err == nil || !errors.Is(err, ErrOverloaded) {
		return invoices, err
	}

	for attempt, delay := range backoffSchedule {
		r.log.Warn().
			Str("file", doc.Name).
			Int("page", page).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Extraction overloaded, backing off")
		r.sleep(delay)

		invoices, err = r.inner.ExtractPage(ctx, doc, page)
		if err == nil || !errors.Is(err, ErrOverloaded) {
			return invoices, err
		}
	}

	r.log.Warn().
		Str("file", doc.Name).
		Int("page", page).
		Msg("Backoff schedule exhausted, page will be deferred")
	return nil, err
}
