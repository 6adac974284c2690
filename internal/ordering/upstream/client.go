// Package upstream talks to the ordering system that owns the raw order
// items, keeping item lifecycle state in sync with charging outcomes.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/storewise/charging/internal/config"
	"github.com/storewise/charging/internal/ordering/domain"
	"go.uber.org/fx"
)

type ItemState string

const (
	ItemInProgress ItemState = "InProgress"
	ItemCompleted  ItemState = "Completed"
	ItemFailed     ItemState = "Failed"
)

// Client notifies the upstream ordering system of item state transitions.
type Client interface {
	// UpdateItems transitions the given items of the order; a nil item
	// list transitions every item.
	UpdateItems(ctx context.Context, order *domain.Order, state ItemState, itemIDs []string) error
}

type httpClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(cfg config.Config) Client {
	return &httpClient{
		baseURL: strings.TrimRight(cfg.OrderingAPIURL, "/"),
		client:  &http.Client{Timeout: 12 * time.Second},
	}
}

type itemPatch struct {
	ItemID string `json:"id"`
	State  string `json:"state"`
}

func (c *httpClient) UpdateItems(ctx context.Context, order *domain.Order, state ItemState, itemIDs []string) error {
	if itemIDs == nil {
		for _, contract := range order.Contracts {
			itemIDs = append(itemIDs, contract.ItemID)
		}
	}

	patches := make([]itemPatch, 0, len(itemIDs))
	for _, id := range itemIDs {
		patches = append(patches, itemPatch{ItemID: id, State: string(state)})
	}

	body, err := json.Marshal(map[string]any{"orderItem": patches})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/ordering/v2/productOrder/%s", c.baseURL, order.ExternalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("update order %s items: %w", order.ExternalID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("update order %s items: ordering API returned %d", order.ExternalID, resp.StatusCode)
	}
	return nil
}

var Module = fx.Module("ordering.upstream",
	fx.Provide(NewHTTPClient),
)
