package charging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/storewise/charging/internal/billingledger"
	"github.com/storewise/charging/internal/cdr"
	"github.com/storewise/charging/internal/money"
	"github.com/storewise/charging/internal/ordering/domain"
	"github.com/storewise/charging/internal/usage"

	"go.uber.org/zap"
)

// FinalizeResult summarizes a completed charge.
type FinalizeResult struct {
	// Charged is the total taxed amount across all finalized
	// transactions, "0.00" for a free acquisition.
	Charged string
	// InvoicePath references the generated invoice artifact, empty when
	// rendering failed (invoices are best effort).
	InvoicePath string
	// Notified reports whether the success event reached the broker.
	Notified bool
}

// renovationPeriods maps a subscription unit to the length of one paid
// cycle.
var renovationPeriods = map[string]time.Duration{
	"daily":   24 * time.Hour,
	"weekly":  7 * 24 * time.Hour,
	"monthly": 30 * 24 * time.Hour,
	"yearly":  365 * 24 * time.Hour,
}

func (e *Engine) renovationDate(now time.Time, unit string) time.Time {
	period, ok := renovationPeriods[strings.ToLower(unit)]
	if !ok {
		e.log.Warn("unknown renovation unit, assuming monthly", zap.String("unit", unit))
		period = renovationPeriods["monthly"]
	}
	return now.Add(period)
}

// endCharging finalizes the order's pending payment: charge records,
// concept end-processing, CDRs, invoice, ledger submission, persistence
// and notification. Callers hold the order's document lock.
func (e *Engine) endCharging(ctx context.Context, order *domain.Order, concept domain.ChargeConcept) (FinalizeResult, error) {
	pending := order.PendingPayment
	if pending == nil {
		return FinalizeResult{}, ErrNoPendingPayment
	}
	now := e.clock.Now().UTC()

	owner, err := e.orgs.FindByID(ctx, order.OwnerOrgID)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("owning organization: %w", err)
	}

	invoicePath, err := e.invoices.Build(order, pending.Transactions, concept)
	if err != nil {
		e.log.Warn("invoice generation failed", zap.String("order", order.ExternalID), zap.Error(err))
		invoicePath = ""
	}

	total := money.Zero()
	var records []cdr.Record

	for _, tx := range pending.Transactions {
		contract, err := order.ItemContract(tx.ItemID)
		if err != nil {
			return FinalizeResult{}, fmt.Errorf("transaction item %s: %w", tx.ItemID, err)
		}

		price, err := money.Parse(tx.Price)
		if err != nil {
			return FinalizeResult{}, fmt.Errorf("transaction item %s: %w", tx.ItemID, err)
		}
		total = total.Add(price)

		charge := domain.Charge{
			Date:     now,
			Cost:     tx.Price,
			DutyFree: tx.DutyFree,
			Currency: tx.Currency,
			Concept:  concept,
			Invoice:  invoicePath,
		}
		contract.Charges = append(contract.Charges, charge)
		contract.LastCharge = &now

		switch concept {
		case domain.ConceptInitial:
			e.stampRenovationDates(contract, now)
			owner.AcquireOffering(contract.Offering.ID)
		case domain.ConceptRecurring:
			e.renewSubscriptions(contract, tx, now)
		case domain.ConceptUsage:
			e.applyUsage(ctx, contract, tx, now)
		}

		records = append(records, cdr.Record{
			Provider:     owner.Name,
			Customer:     order.Customer,
			ProductClass: contract.RevenueClass,
			OfferingID:   contract.Offering.ID,
			Description:  tx.Description,
			Amount:       tx.Price,
			DutyFree:     tx.DutyFree,
			Currency:     tx.Currency,
		})

		// The inventory product does not exist yet during acquisition, so
		// the ledger only learns about later charges.
		if concept != domain.ConceptInitial {
			ledgerReq := billingledger.CreateChargeRequest{
				Charge:    charge,
				ProductID: contract.ProductID,
				Invoice:   invoicePath,
				ValidFrom: &now,
			}
			if err := e.ledger.CreateCharge(ctx, ledgerReq); err != nil {
				e.log.Warn("billing ledger submission failed",
					zap.String("order", order.ExternalID),
					zap.String("item", tx.ItemID),
					zap.Error(err),
				)
			}
		}
	}

	for _, itemID := range pending.FreeContracts {
		contract, err := order.ItemContract(itemID)
		if err != nil {
			return FinalizeResult{}, fmt.Errorf("free item %s: %w", itemID, err)
		}
		contract.Charges = append(contract.Charges, domain.Charge{
			Date:     now,
			Cost:     "0.00",
			DutyFree: "0.00",
			Currency: contract.PricingModel.Currency,
			Concept:  concept,
			Invoice:  invoicePath,
		})
		contract.LastCharge = &now
		owner.AcquireOffering(contract.Offering.ID)
		records = append(records, cdr.Record{
			Provider:     owner.Name,
			Customer:     order.Customer,
			ProductClass: contract.RevenueClass,
			OfferingID:   contract.Offering.ID,
			Description:  chargeDescription(concept, contract),
			Amount:       "0.00",
			DutyFree:     "0.00",
			Currency:     contract.PricingModel.Currency,
		})
	}

	dispatched := true
	if err := e.cdrs.Generate(ctx, records, cdr.TypeCharge); err != nil {
		e.log.Error("cdr generation failed", zap.String("order", order.ExternalID), zap.Error(err))
		dispatched = false
	}

	order.State = domain.OrderStatePaid
	order.PendingPayment = nil
	if err := e.orgs.Save(ctx, owner); err != nil {
		e.compensateCDRs(ctx, order, records, dispatched)
		return FinalizeResult{}, fmt.Errorf("persist organization: %w", err)
	}
	if err := e.orders.Save(ctx, order); err != nil {
		e.compensateCDRs(ctx, order, records, dispatched)
		return FinalizeResult{}, fmt.Errorf("persist order: %w", err)
	}

	notified := true
	if err := e.notifier.OrderCharged(ctx, order.ExternalID, order.Customer, string(concept)); err != nil {
		e.log.Warn("charge notification dropped", zap.String("order", order.ExternalID), zap.Error(err))
		notified = false
	}

	e.metrics.ChargesFinalized.WithLabelValues(string(concept)).Inc()
	e.log.Info("charge finalized",
		zap.String("order", order.ExternalID),
		zap.String("concept", string(concept)),
		zap.String("charged", total.Round2().String()),
	)

	return FinalizeResult{
		Charged:     total.Round2().String(),
		InvoicePath: invoicePath,
		Notified:    notified,
	}, nil
}

// compensateCDRs issues refund records for a charge batch already
// reported to settlement when the charge itself could not be persisted.
func (e *Engine) compensateCDRs(ctx context.Context, order *domain.Order, records []cdr.Record, dispatched bool) {
	if !dispatched || len(records) == 0 {
		return
	}
	if err := e.cdrs.RefundCDRs(ctx, records); err != nil {
		e.log.Error("refund cdr generation failed", zap.String("order", order.ExternalID), zap.Error(err))
	}
}

// stampRenovationDates activates every subscription component of a just
// acquired contract.
func (e *Engine) stampRenovationDates(contract *domain.Contract, now time.Time) {
	for i := range contract.PricingModel.Subscription {
		component := &contract.PricingModel.Subscription[i]
		next := e.renovationDate(now, component.Unit)
		component.RenovationDate = &next
	}
}

// renewSubscriptions replaces the contract's subscription section with
// the just-charged components carrying fresh renovation dates plus the
// components that were not due this cycle.
func (e *Engine) renewSubscriptions(contract *domain.Contract, tx domain.Transaction, now time.Time) {
	renewed := make([]domain.SubscriptionComponent, 0, len(tx.RelatedModel.Subscription)+len(tx.Unmodified))
	for _, component := range tx.RelatedModel.Subscription {
		next := e.renovationDate(now, component.Unit)
		component.RenovationDate = &next
		renewed = append(renewed, component)
	}
	renewed = append(renewed, tx.Unmodified...)
	contract.PricingModel.Subscription = renewed
}

// applyUsage moves the charged SDRs from pending to applied, advances the
// contract's correlation cursor and rates the remote usage documents.
// Rating failures are logged, the money already moved.
func (e *Engine) applyUsage(ctx context.Context, contract *domain.Contract, tx domain.Transaction, now time.Time) {
	charged := make(map[int64]struct{})
	lastCorrelation := contract.CorrelationNumber
	var lastUsage time.Time

	for _, applied := range tx.AppliedRecords {
		componentValue, parseErr := money.Parse(applied.Component.Value)
		componentDutyFree, dfErr := money.Parse(applied.Component.DutyFree)

		for _, record := range applied.Records {
			charged[record.CorrelationNumber] = struct{}{}
			if record.CorrelationNumber >= lastCorrelation {
				lastCorrelation = record.CorrelationNumber + 1
			}
			if record.Timestamp.After(lastUsage) {
				lastUsage = record.Timestamp
			}
			contract.AppliedSDRs = append(contract.AppliedSDRs, record)

			if record.UsageID == "" {
				continue
			}
			if parseErr != nil || dfErr != nil {
				e.log.Warn("usage rating skipped, malformed component",
					zap.String("unit", applied.Component.Unit))
				continue
			}
			quantity, err := money.Parse(record.Value)
			if err != nil {
				e.log.Warn("usage rating skipped, malformed value",
					zap.String("usage_id", record.UsageID), zap.Error(err))
				continue
			}
			req := usage.RateUsageRequest{
				UsageID:   record.UsageID,
				Timestamp: now,
				Price:     quantity.Mul(componentValue).Round2().String(),
				DutyFree:  quantity.Mul(componentDutyFree).Round2().String(),
				TaxRate:   applied.Component.TaxRate,
				Currency:  tx.Currency,
				ProductID: contract.ProductID,
			}
			if err := e.usage.RateUsage(ctx, req); err != nil {
				e.log.Warn("usage rating failed", zap.String("usage_id", record.UsageID), zap.Error(err))
			}
		}
	}

	remaining := contract.PendingSDRs[:0]
	for _, record := range contract.PendingSDRs {
		if _, ok := charged[record.CorrelationNumber]; !ok {
			remaining = append(remaining, record)
		}
	}
	contract.PendingSDRs = remaining
	contract.CorrelationNumber = lastCorrelation
	if lastUsage.IsZero() {
		lastUsage = now
	}
	contract.LastUsage = &lastUsage
}
