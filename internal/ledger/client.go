package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"paperflow/internal/config"
	"paperflow/internal/logger"
)

// Common ledger errors
var (
	// ErrUnavailable is returned on HTTP 429 and 5xx responses. The call
	// is the unit of deferral, never a hard failure.
	ErrUnavailable = errors.New("ledger API unavailable")

	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("ledger record not found")
)

// SoftError is a 2xx response whose embedded result code is non-zero: the
// ledger accepted the request but rejected part of it. Invoices hit by a
// soft error classify as partial, not failed.
type SoftError struct {
	Code    int
	Message string
}

func (e *SoftError) Error() string {
	return fmt.Sprintf("ledger soft error: code %d: %s", e.Code, e.Message)
}

// Record is an invoice as the ledger returns it.
type Record struct {
	ID          string  `json:"id"`
	Number      string  `json:"fullnumber"`
	OrderNumber string  `json:"ordernumber"`
	BuyerName   string  `json:"buyername"`
	IssueDate   string  `json:"issuedate"`   // YYYY-MM-DD
	DueDate     string  `json:"paymentdate"` // YYYY-MM-DD
	Gross       float64 `json:"total"`
	Paid        float64 `json:"alreadypaid"`
	Remaining   float64 `json:"remaining"` // "do zapłaty"
	Status      string  `json:"paymentstate"`
}

// CreateResult reports the outcome of a create call.
type CreateResult struct {
	RecordID string
}

// ListPage is one page of an invoice listing.
type ListPage struct {
	Records  []Record
	NextPage int // 0 when exhausted
}

// API is the ledger surface the rest of the system consumes. Every
// response carries a structured result code; code 0 is the only
// unambiguous success.
type API interface {
	Search(ctx context.Context, invoiceNumber string) (*Record, error)
	Create(ctx context.Context, kind string, payload *Payload) (*CreateResult, error)
	Update(ctx context.Context, kind, id string, payload *Payload) error
	List(ctx context.Context, from, to time.Time, status string, page int) (*ListPage, error)
	RecordPayment(ctx context.Context, invoiceNumber string, amount float64, date time.Time) error
}

// Client is the JSON-over-HTTP ledger client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a ledger client from configuration.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL: cfg.LedgerBaseURL,
		apiKey:  cfg.LedgerAPIKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     logger.WithComponent("ledger"),
	}
}

// envelope is the wire frame every ledger response arrives in.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Search looks up an invoice by its number. Returns nil when absent.
func (c *Client) Search(ctx context.Context, invoiceNumber string) (*Record, error) {
	const op = "Search"

	query := url.Values{"number": {invoiceNumber}}
	env, err := c.do(ctx, http.MethodGet, "/invoices/search?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := codeError(env); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var records []Record
	if err := json.Unmarshal(env.Data, &records); err != nil {
		return nil, fmt.Errorf("%s: failed to decode records: %w", op, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// Create posts a new invoice of the given kind.
func (c *Client) Create(ctx context.Context, kind string, payload *Payload) (*CreateResult, error) {
	const op = "Create"

	env, err := c.do(ctx, http.MethodPost, "/invoices/"+kind, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := codeError(env); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &created); err != nil {
		return nil, fmt.Errorf("%s: failed to decode create result: %w", op, err)
	}

	c.log.Info().Str("kind", kind).Str("record_id", created.ID).Msg("Ledger record created")
	return &CreateResult{RecordID: created.ID}, nil
}

// Update replaces an existing invoice record.
func (c *Client) Update(ctx context.Context, kind, id string, payload *Payload) error {
	const op = "Update"

	env, err := c.do(ctx, http.MethodPut, "/invoices/"+kind+"/"+url.PathEscape(id), payload)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := codeError(env); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	c.log.Info().Str("kind", kind).Str("record_id", id).Msg("Ledger record updated")
	return nil
}

// List fetches one page of invoices in a date range with a payment status.
func (c *Client) List(ctx context.Context, from, to time.Time, status string, page int) (*ListPage, error) {
	const op = "List"

	query := url.Values{
		"from":   {from.Format("2006-01-02")},
		"to":     {to.Format("2006-01-02")},
		"status": {status},
		"page":   {fmt.Sprintf("%d", page)},
	}
	env, err := c.do(ctx, http.MethodGet, "/invoices?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := codeError(env); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var listed struct {
		Records  []Record `json:"records"`
		NextPage int      `json:"next_page"`
	}
	if err := json.Unmarshal(env.Data, &listed); err != nil {
		return nil, fmt.Errorf("%s: failed to decode listing: %w", op, err)
	}
	return &ListPage{Records: listed.Records, NextPage: listed.NextPage}, nil
}

// RecordPayment registers a received payment against an invoice.
func (c *Client) RecordPayment(ctx context.Context, invoiceNumber string, amount float64, date time.Time) error {
	const op = "RecordPayment"

	body := map[string]interface{}{
		"number": invoiceNumber,
		"amount": amount,
		"date":   date.Format("2006-01-02"),
	}
	env, err := c.do(ctx, http.MethodPost, "/payments", body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := codeError(env); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	c.log.Info().
		Str("invoice", invoiceNumber).
		Float64("amount", amount).
		Msg("Payment recorded in ledger")
	return nil
}

// do performs one authenticated request and decodes the envelope. HTTP
// 429/5xx map to ErrUnavailable for the transient error path.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*envelope, error) {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ledger returned HTTP %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode ledger response: %w", err)
	}
	return &env, nil
}

// codeError converts a non-zero result code into a SoftError.
func codeError(env *envelope) error {
	if env.Code == 0 {
		return nil
	}
	return &SoftError{Code: env.Code, Message: env.Message}
}
