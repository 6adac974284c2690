// Package payment defines the payment gateway client contract and a
// registry of named implementations selected by configuration key.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/storewise/charging/internal/config"
	"github.com/storewise/charging/internal/ordering/domain"
)

// Batch statuses as reported by the gateway.
const (
	BatchPending    = "PENDING"
	BatchProcessing = "PROCESSING"
	BatchSuccess    = "SUCCESS"
	BatchDenied     = "DENIED"
)

// Item transaction statuses considered actionable by the recipient, i.e.
// worth surfacing in a notification.
var actionableItemStatuses = map[string]struct{}{
	"DENIED": {}, "PENDING": {}, "UNCLAIMED": {}, "RETURNED": {},
	"ONHOLD": {}, "BLOCKED": {}, "FAILED": {},
}

// ItemStatusActionable reports whether a per-item payout status requires
// attention from the recipient.
func ItemStatusActionable(status string) bool {
	_, ok := actionableItemStatuses[strings.ToUpper(strings.TrimSpace(status))]
	return ok
}

// PayoutItem is one recipient line in a batch payout.
type PayoutItem struct {
	Receiver     string
	Value        string
	Currency     string
	SenderItemID string
}

// Batch is the gateway's view of a submitted payout batch.
type Batch struct {
	BatchID string
	Status  string
	Items   []BatchItem
}

// BatchItem is the per-recipient outcome within a batch.
type BatchItem struct {
	Receiver          string
	SenderItemID      string
	TransactionStatus string
	TransactionID     string
	ItemID            string
	ErrorName         string
	ErrorMessage      string
}

// Client initiates redirect-based charges, executes them after customer
// approval, and performs refunds and batch payouts.
type Client interface {
	// StartRedirect initiates the charge and returns the URL the
	// customer must be sent to for approval.
	StartRedirect(ctx context.Context, order *domain.Order, transactions []domain.Transaction) (string, error)
	// Execute confirms a previously approved charge and returns the
	// gateway sale identifiers.
	Execute(ctx context.Context, token, payerID string) ([]string, error)
	Refund(ctx context.Context, saleID string) error
	// BatchPayout submits a payout batch. The second return value
	// reports whether the batch was actually created.
	BatchPayout(ctx context.Context, items []PayoutItem) (Batch, bool, error)
	BatchStatus(ctx context.Context, batchID string) (Batch, error)
}

// Error wraps a gateway failure so callers can distinguish collaborator
// faults from local ones.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("payment gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsGatewayError reports whether err originates from the payment gateway.
func IsGatewayError(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr)
}

// Factory builds a named gateway client from configuration.
type Factory interface {
	Provider() string
	NewClient(cfg config.Config) (Client, error)
}

// ErrProviderNotFound is returned when no factory matches the configured
// payment provider name.
var ErrProviderNotFound = errors.New("payment: provider not found")

// Registry holds gateway factories keyed by lowercase provider name.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry(factories ...Factory) *Registry {
	registry := &Registry{factories: map[string]Factory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(factory.Provider()))
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	_, ok := r.factories[provider]
	return ok
}

// NewClient builds the gateway client selected by cfg.PaymentProvider.
func (r *Registry) NewClient(cfg config.Config) (Client, error) {
	if r == nil {
		return nil, ErrProviderNotFound
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.PaymentProvider))
	factory, ok := r.factories[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, cfg.PaymentProvider)
	}
	return factory.NewClient(cfg)
}
