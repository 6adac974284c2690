// Package billingledger posts finalized charges to the external billing
// ledger.
package billingledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/storewise/charging/internal/config"
	"github.com/storewise/charging/internal/money"
	"github.com/storewise/charging/internal/ordering/domain"
	"go.uber.org/fx"
)

// CreateChargeRequest describes one ledger entry. ValidFrom/ValidTo bound
// the period the charge covers; when nil the charge date is used.
type CreateChargeRequest struct {
	Charge    domain.Charge
	ProductID string
	Invoice   string
	ValidFrom *time.Time
	ValidTo   *time.Time
}

type Client interface {
	CreateCharge(ctx context.Context, req CreateChargeRequest) error
}

type httpLedgerClient struct {
	baseURL string
	siteURL string
	client  *http.Client
}

func NewHTTPClient(cfg config.Config) Client {
	return &httpLedgerClient{
		baseURL: strings.TrimRight(cfg.BillingAPIURL, "/"),
		siteURL: strings.TrimRight(cfg.SiteURL, "/"),
		client:  &http.Client{Timeout: 12 * time.Second},
	}
}

func (c *httpLedgerClient) CreateCharge(ctx context.Context, req CreateChargeRequest) error {
	taxRate, err := taxRate(req.Charge.Cost, req.Charge.DutyFree)
	if err != nil {
		return fmt.Errorf("compute tax rate: %w", err)
	}

	chargeDate := req.Charge.Date.UTC().Format(time.RFC3339)
	entry := map[string]any{
		"date":              chargeDate,
		"description":       fmt.Sprintf("%s charge of %s %s %s/%s", req.Charge.Concept, req.Charge.Cost, req.Charge.Currency, c.siteURL, req.Invoice),
		"type":              string(req.Charge.Concept),
		"currencyCode":      req.Charge.Currency,
		"taxIncludedAmount": req.Charge.Cost,
		"taxExcludedAmount": req.Charge.DutyFree,
		"appliedCustomerBillingTaxRate": []map[string]string{{
			"amount":      taxRate,
			"taxCategory": "VAT",
		}},
		"serviceId": []map[string]string{{
			"id":   req.ProductID,
			"type": "Inventory product",
		}},
	}

	if req.ValidFrom != nil || req.ValidTo != nil {
		start, end := chargeDate, chargeDate
		if req.ValidFrom != nil {
			start = req.ValidFrom.UTC().Format(time.RFC3339)
		}
		if req.ValidTo != nil {
			end = req.ValidTo.UTC().Format(time.RFC3339)
		}
		entry["period"] = []map[string]string{{"startPeriod": start, "endPeriod": end}}
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	url := c.baseURL + "/api/billing/v2/appliedCustomerBillingCharge"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("create billing charge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("create billing charge: billing API returned %d", resp.StatusCode)
	}
	return nil
}

// taxRate computes the applied percentage from the taxed and duty-free
// amounts: (cost - dutyFree) * 100 / cost.
func taxRate(cost, dutyFree string) (string, error) {
	total, err := money.Parse(cost)
	if err != nil {
		return "", err
	}
	if total.IsZero() {
		return "0.00", nil
	}
	net, err := money.Parse(dutyFree)
	if err != nil {
		return "", err
	}
	rate := total.Sub(net).Mul(money.MustParse("100")).Div(total)
	return rate.Round2().String(), nil
}

var Module = fx.Module("billingledger",
	fx.Provide(NewHTTPClient),
)
