// Package settlement talks to the external revenue-sharing collaborator:
// it receives CDR batches, lists unpaid settlement reports and flags
// reports as paid once every recipient has been paid out.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/storewise/charging/internal/config"
	"go.uber.org/fx"
)

// CDR is one billing event in the revenue-sharing ledger's wire format.
type CDR struct {
	Provider          string `json:"appProvider"`
	Customer          string `json:"customer"`
	ProductClass      string `json:"productClass"`
	CorrelationNumber int64  `json:"correlationNumber"`
	OfferingID        string `json:"application"`
	Description       string `json:"description"`
	// Type is C for a charge, R for a refund.
	Type      string `json:"transactionType"`
	Amount    string `json:"chargedAmount"`
	DutyFree  string `json:"chargedTaxAmount"`
	Currency  string `json:"currency"`
	Timestamp string `json:"timestamp"`
}

// Report is a revenue-share settlement report awaiting payout.
type Report struct {
	ID              int64         `json:"id"`
	Currency        string        `json:"currency"`
	Paid            bool          `json:"paid"`
	ProductClass    string        `json:"productClass"`
	OwnerProviderID string        `json:"ownerProviderId"`
	OwnerValue      string        `json:"ownerValue"`
	Stakeholders    []Stakeholder `json:"stakeholders,omitempty"`
}

type Stakeholder struct {
	StakeholderID string `json:"stakeholderId"`
	ModelValue    string `json:"modelValue"`
}

// Client is the settlement collaborator contract.
type Client interface {
	PostCDRs(ctx context.Context, batch []CDR) error
	UnpaidReports(ctx context.Context) ([]Report, error)
	MarkReportPaid(ctx context.Context, reportID int64) error
}

type httpSettlementClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(cfg config.Config) Client {
	return &httpSettlementClient{
		baseURL: strings.TrimRight(cfg.SettlementAPIURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *httpSettlementClient) PostCDRs(ctx context.Context, batch []CDR) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/settlement/cdrs", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post cdrs: %w", err)
	}
	defer resp.Body.Close()

	// Anything but 201 counts as a failed dispatch and goes through the
	// durable retry queue.
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("post cdrs: settlement API returned %d", resp.StatusCode)
	}
	return nil
}

func (c *httpSettlementClient) UnpaidReports(ctx context.Context) ([]Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/settlement/reports?onlyPaid=false", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get unpaid reports: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get unpaid reports: settlement API returned %d", resp.StatusCode)
	}

	var reports []Report
	if err := json.NewDecoder(resp.Body).Decode(&reports); err != nil {
		return nil, fmt.Errorf("decode reports: %w", err)
	}

	unpaid := reports[:0]
	for _, report := range reports {
		if !report.Paid {
			unpaid = append(unpaid, report)
		}
	}
	return unpaid, nil
}

func (c *httpSettlementClient) MarkReportPaid(ctx context.Context, reportID int64) error {
	patch := []map[string]any{{"op": "replace", "path": "/paid", "value": true}}
	body, err := json.Marshal(patch)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/settlement/reports/%d", c.baseURL, reportID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("mark report %d paid: %w", reportID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mark report %d paid: settlement API returned %d", reportID, resp.StatusCode)
	}
	return nil
}

var Module = fx.Module("settlement",
	fx.Provide(NewHTTPClient),
)
