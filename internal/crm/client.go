package crm

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

// ErrUnavailable is returned on transport failures and 5xx responses.
// CRM failures are soft: the invoice classifies partial, the run goes on.
var ErrUnavailable = errors.New("CRM unavailable")

// Record is a CRM deal as returned by search.
type Record struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

// UpsertResult reports what the upsert did.
type UpsertResult struct {
	Action string // "created" or "updated"
	ID     string
}

// Service is the CRM surface consumed for sale invoices.
type Service interface {
	Search(ctx context.Context, invoiceNumber string) (*Record, error)
	Upsert(ctx context.Context, properties map[string]string) (*UpsertResult, error)
}

// Client talks to the CRM HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a CRM client, or nil when the CRM is not configured;
// a nil client makes the scheduler skip sale-invoice sync.
func NewClient(cfg *config.Config) *Client {
	if cfg.CRMBaseURL == "" {
		return nil
	}
	return &Client{
		baseURL: cfg.CRMBaseURL,
		apiKey:  cfg.CRMAPIKey,
		http:    &http.Client{Timeout: 20 * time.Second},
		log:     logger.WithComponent("crm"),
	}
}

// Search finds a deal by invoice number. Returns nil when absent.
func (c *Client) Search(ctx context.Context, invoiceNumber string) (*Record, error) {
	const op = "Search"

	query := url.Values{"invoice_number": {invoiceNumber}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/deals/search?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%s: %w: HTTP %d", op, ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s: CRM returned HTTP %d", op, resp.StatusCode)
	}

	var record Record
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("%s: failed to decode record: %w", op, err)
	}
	if record.ID == "" {
		return nil, nil
	}
	return &record, nil
}

// Upsert creates or updates a deal keyed by its invoice number property.
func (c *Client) Upsert(ctx context.Context, properties map[string]string) (*UpsertResult, error) {
	const op = "Upsert"

	encoded, err := json.Marshal(map[string]interface{}{"properties": properties})
	if err != nil {
		return nil, fmt.Errorf("%s: failed to encode properties: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/deals/upsert", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%s: %w: HTTP %d", op, ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: CRM returned HTTP %d", op, resp.StatusCode)
	}

	var result UpsertResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%s: failed to decode result: %w", op, err)
	}

	c.log.Info().
		Str("action", result.Action).
		Str("deal_id", result.ID).
		Msg("CRM deal upserted")
	return &result, nil
}
