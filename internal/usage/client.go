package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/storewise/charging/internal/config"
	"go.uber.org/fx"
)

const (
	StateGuided   = "Guided"
	StateRated    = "Rated"
	StateRejected = "Rejected"
	StateBilled   = "Billed"
)

var validStates = map[string]struct{}{
	StateGuided: {}, StateRated: {}, StateRejected: {}, StateBilled: {},
}

// UsageDocument mirrors the collaborator's usage record.
type UsageDocument struct {
	ID                string    `json:"id,omitempty"`
	Status            string    `json:"status"`
	Customer          string    `json:"customer"`
	ProductID         string    `json:"product_id"`
	Unit              string    `json:"unit"`
	Value             string    `json:"value"`
	CorrelationNumber int64     `json:"correlation_number"`
	Timestamp         time.Time `json:"timestamp"`
}

// RateUsageRequest carries the computed charge breakdown for one rated
// usage document.
type RateUsageRequest struct {
	UsageID   string
	Timestamp time.Time
	DutyFree  string
	Price     string
	TaxRate   string
	Currency  string
	ProductID string
}

// Client is the usage collaborator contract.
type Client interface {
	CreateUsage(ctx context.Context, doc UsageDocument) (UsageDocument, error)
	GetCustomerUsage(ctx context.Context, customer, productID, state string) ([]UsageDocument, error)
	RateUsage(ctx context.Context, req RateUsageRequest) error
	UpdateUsageState(ctx context.Context, usageID, state string) error
}

type httpUsageClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(cfg config.Config) Client {
	return &httpUsageClient{
		baseURL: strings.TrimRight(cfg.UsageAPIURL, "/"),
		client:  &http.Client{Timeout: 12 * time.Second},
	}
}

func (c *httpUsageClient) CreateUsage(ctx context.Context, doc UsageDocument) (UsageDocument, error) {
	var created UsageDocument
	if err := c.do(ctx, http.MethodPost, "/api/usage/v2/usage", doc, &created); err != nil {
		return UsageDocument{}, err
	}
	return created, nil
}

func (c *httpUsageClient) GetCustomerUsage(ctx context.Context, customer, productID, state string) ([]UsageDocument, error) {
	query := url.Values{}
	query.Set("relatedParty.id", customer)
	if state != "" {
		if _, ok := validStates[state]; !ok {
			return nil, fmt.Errorf("invalid usage status %q", state)
		}
		query.Set("status", state)
	}

	var docs []UsageDocument
	if err := c.do(ctx, http.MethodGet, "/api/usage/v2/usage?"+query.Encode(), nil, &docs); err != nil {
		return nil, err
	}

	// The collaborator filters by customer only; narrow to the product.
	filtered := docs[:0]
	for _, doc := range docs {
		if doc.ProductID == productID {
			filtered = append(filtered, doc)
		}
	}
	return filtered, nil
}

func (c *httpUsageClient) RateUsage(ctx context.Context, req RateUsageRequest) error {
	patch := map[string]any{
		"status": StateRated,
		"ratedProductUsage": map[string]any{
			"ratingDate":        req.Timestamp.UTC().Format(time.RFC3339),
			"taxExcludedAmount": req.DutyFree,
			"taxIncludedAmount": req.Price,
			"taxRate":           req.TaxRate,
			"currencyCode":      req.Currency,
			"productRef":        req.ProductID,
			"ratingAmountType":  "Total",
		},
	}
	return c.do(ctx, http.MethodPatch, "/api/usage/v2/usage/"+req.UsageID, patch, nil)
}

func (c *httpUsageClient) UpdateUsageState(ctx context.Context, usageID, state string) error {
	if _, ok := validStates[state]; !ok {
		return fmt.Errorf("invalid usage status %q", state)
	}
	return c.do(ctx, http.MethodPatch, "/api/usage/v2/usage/"+usageID, map[string]string{"status": state}, nil)
}

func (c *httpUsageClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("usage API %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("usage API %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

var Module = fx.Module("usage",
	fx.Provide(NewHTTPClient),
	fx.Provide(NewValidator),
)
