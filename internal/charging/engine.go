// Package charging implements the payment state machine: charge
// resolution, gateway confirmation, deadline rollback and finalization.
package charging

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/storewise/charging/internal/billingledger"
	"github.com/storewise/charging/internal/cdr"
	"github.com/storewise/charging/internal/clock"
	"github.com/storewise/charging/internal/config"
	"github.com/storewise/charging/internal/docstore"
	"github.com/storewise/charging/internal/invoice"
	"github.com/storewise/charging/internal/notify"
	"github.com/storewise/charging/internal/ordering/domain"
	"github.com/storewise/charging/internal/ordering/repository"
	"github.com/storewise/charging/internal/ordering/upstream"
	"github.com/storewise/charging/internal/organization"
	"github.com/storewise/charging/internal/payment"
	"github.com/storewise/charging/internal/pricing"
	"github.com/storewise/charging/internal/telemetry"
	"github.com/storewise/charging/internal/usage"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Engine drives a charge attempt from resolution to finalization. All
// cross-actor coordination goes through document locks, never in-process
// mutexes, so multiple engine instances can share one store.
type Engine struct {
	log      *zap.Logger
	orders   *repository.Repository
	orgs     *organization.Repository
	gateway  payment.Client
	cdrs     *cdr.Generator
	invoices *invoice.Builder
	ledger   billingledger.Client
	usage    usage.Client
	upstream upstream.Client
	notifier notify.Notifier
	locks    *docstore.Store
	clock    clock.Clock
	metrics  *telemetry.Metrics

	deadline time.Duration
	// afterFunc arms the confirmation watchdog; replaced in tests.
	afterFunc func(time.Duration, func()) *time.Timer
}

type EngineParam struct {
	fx.In

	Log      *zap.Logger
	Orders   *repository.Repository
	Orgs     *organization.Repository
	Gateway  payment.Client
	CDRs     *cdr.Generator
	Invoices *invoice.Builder
	Ledger   billingledger.Client
	Usage    usage.Client
	Upstream upstream.Client
	Notifier notify.Notifier
	Locks    *docstore.Store
	Clock    clock.Clock
	Config   config.Config
	Metrics  *telemetry.Metrics
}

func NewEngine(p EngineParam) *Engine {
	return &Engine{
		log:       p.Log.Named("charging.engine"),
		orders:    p.Orders,
		orgs:      p.Orgs,
		gateway:   p.Gateway,
		cdrs:      p.CDRs,
		invoices:  p.Invoices,
		ledger:    p.Ledger,
		usage:     p.Usage,
		upstream:  p.Upstream,
		notifier:  p.Notifier,
		locks:     p.Locks,
		clock:     p.Clock,
		metrics:   p.Metrics,
		deadline:  p.Config.ChargeTimeout,
		afterFunc: time.AfterFunc,
	}
}

func lockKey(orderID snowflake.ID) string {
	return "order:" + orderID.String()
}

// Result of a resolved charge attempt. RedirectURL is empty when the
// charge finalized immediately (free path).
type ResolveResult struct {
	RedirectURL string
	Finalized   *FinalizeResult
}

// ResolveCharging computes the transactions due for the given concept,
// persists them as the order's pending payment and initiates the gateway
// redirect. Free initial orders finalize immediately.
func (e *Engine) ResolveCharging(ctx context.Context, order *domain.Order, concept domain.ChargeConcept) (ResolveResult, error) {
	switch concept {
	case domain.ConceptInitial, domain.ConceptRecurring, domain.ConceptUsage:
	default:
		return ResolveResult{}, fmt.Errorf("%w: %q", domain.ErrInvalidConcept, concept)
	}

	acquired, err := e.locks.TryAcquire(ctx, lockKey(order.ID))
	if err != nil {
		return ResolveResult{}, err
	}
	if !acquired {
		return ResolveResult{}, ErrChargeInProgress
	}
	defer func() {
		if releaseErr := e.locks.Release(ctx, lockKey(order.ID)); releaseErr != nil {
			e.log.Error("lock release failed", zap.String("order", order.ExternalID), zap.Error(releaseErr))
		}
	}()

	if order.PendingPayment != nil {
		return ResolveResult{}, ErrChargeInProgress
	}

	transactions, freeContracts, err := e.buildTransactions(ctx, order, concept)
	if err != nil {
		e.metrics.ChargesResolved.WithLabelValues(string(concept), "error").Inc()
		return ResolveResult{}, err
	}

	if len(transactions) == 0 {
		switch concept {
		case domain.ConceptRecurring:
			return ResolveResult{}, ErrNothingToRenew
		case domain.ConceptUsage:
			return ResolveResult{}, ErrNoUsageToCharge
		}
		// Free acquisition: finalize right away at zero cost.
		order.PendingPayment = &domain.PendingPayment{Concept: concept, FreeContracts: freeContracts}
		finalized, err := e.endCharging(ctx, order, concept)
		if err != nil {
			return ResolveResult{}, err
		}
		e.metrics.ChargesResolved.WithLabelValues(string(concept), "free").Inc()
		return ResolveResult{Finalized: &finalized}, nil
	}

	previousState := order.State
	order.State = domain.OrderStatePending
	order.PendingPayment = &domain.PendingPayment{
		Transactions:  transactions,
		Concept:       concept,
		FreeContracts: freeContracts,
	}
	if err := e.orders.Save(ctx, order); err != nil {
		return ResolveResult{}, err
	}

	redirectURL, err := e.gateway.StartRedirect(ctx, order, transactions)
	if err != nil {
		order.State = previousState
		order.PendingPayment = nil
		if saveErr := e.orders.Save(ctx, order); saveErr != nil {
			e.log.Error("pending payment cleanup failed", zap.String("order", order.ExternalID), zap.Error(saveErr))
		}
		e.metrics.ChargesResolved.WithLabelValues(string(concept), "gateway_error").Inc()
		return ResolveResult{}, err
	}

	orderID := order.ID
	e.afterFunc(e.deadline, func() {
		e.HandleTimeout(orderID)
	})

	e.metrics.ChargesResolved.WithLabelValues(string(concept), "redirect").Inc()
	e.log.Info("charge resolved",
		zap.String("order", order.ExternalID),
		zap.String("concept", string(concept)),
		zap.Int("transactions", len(transactions)),
	)
	return ResolveResult{RedirectURL: redirectURL}, nil
}

func (e *Engine) buildTransactions(ctx context.Context, order *domain.Order, concept domain.ChargeConcept) ([]domain.Transaction, []string, error) {
	var transactions []domain.Transaction
	var freeContracts []string
	now := e.clock.Now()

	for i := range order.Contracts {
		contract := &order.Contracts[i]
		if contract.Suspended || contract.Terminated {
			continue
		}
		model := contract.PricingModel

		switch concept {
		case domain.ConceptInitial:
			if !model.HasUpfront() {
				freeContracts = append(freeContracts, contract.ItemID)
				continue
			}
			subset := domain.PricingModel{
				Currency:      model.Currency,
				SinglePayment: model.SinglePayment,
				Subscription:  model.Subscription,
				Alteration:    model.Alteration,
			}
			tx, err := e.resolveTransaction(contract, subset, nil, concept)
			if err != nil {
				return nil, nil, err
			}
			transactions = append(transactions, tx)

		case domain.ConceptRecurring:
			var due, unmodified []domain.SubscriptionComponent
			for _, component := range model.Subscription {
				if component.RenovationDate != nil && !component.RenovationDate.After(now) {
					due = append(due, component)
				} else {
					unmodified = append(unmodified, component)
				}
			}
			if len(due) == 0 {
				continue
			}
			subset := domain.PricingModel{
				Currency:     model.Currency,
				Subscription: due,
				Alteration:   model.Alteration,
			}
			tx, err := e.resolveTransaction(contract, subset, nil, concept)
			if err != nil {
				return nil, nil, err
			}
			tx.Unmodified = unmodified
			transactions = append(transactions, tx)

		case domain.ConceptUsage:
			if len(model.PayPerUse) == 0 {
				continue
			}
			records := e.usageRecords(ctx, order, contract)
			if len(records) == 0 {
				continue
			}
			subset := domain.PricingModel{
				Currency:  model.Currency,
				PayPerUse: model.PayPerUse,
			}
			tx, err := e.resolveTransaction(contract, subset, records, concept)
			if err != nil {
				return nil, nil, err
			}
			transactions = append(transactions, tx)
		}
	}

	return transactions, freeContracts, nil
}

func (e *Engine) resolveTransaction(contract *domain.Contract, subset domain.PricingModel, records []domain.SDR, concept domain.ChargeConcept) (domain.Transaction, error) {
	resolver := pricing.NewResolver()
	result, err := resolver.Resolve(subset, records)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("contract %s: %w", contract.ItemID, err)
	}
	if alterationApplies(subset.Alteration, concept) {
		result, err = applyAlteration(result, subset.Alteration)
		if err != nil {
			return domain.Transaction{}, fmt.Errorf("contract %s: %w", contract.ItemID, err)
		}
	}

	return domain.Transaction{
		ItemID:         contract.ItemID,
		Description:    chargeDescription(concept, contract),
		Currency:       subset.Currency,
		Price:          result.Price.String(),
		DutyFree:       result.DutyFree.String(),
		RelatedModel:   subset,
		AppliedRecords: resolver.AppliedComponents(),
	}, nil
}

func chargeDescription(concept domain.ChargeConcept, contract *domain.Contract) string {
	switch concept {
	case domain.ConceptInitial:
		return fmt.Sprintf("acquisition of %s %s", contract.Offering.Name, contract.Offering.Version)
	case domain.ConceptRecurring:
		return fmt.Sprintf("renewal of %s %s", contract.Offering.Name, contract.Offering.Version)
	default:
		return fmt.Sprintf("usage of %s %s", contract.Offering.Name, contract.Offering.Version)
	}
}

// usageRecords merges the contract's staged SDRs with the collaborator's
// Guided usage documents, deduplicated by correlation number. A failing
// collaborator degrades to the staged records only.
func (e *Engine) usageRecords(ctx context.Context, order *domain.Order, contract *domain.Contract) []domain.SDR {
	records := append([]domain.SDR(nil), contract.PendingSDRs...)
	seen := make(map[int64]struct{}, len(records))
	for _, record := range records {
		seen[record.CorrelationNumber] = struct{}{}
	}

	docs, err := e.usage.GetCustomerUsage(ctx, order.Customer, contract.ProductID, usage.StateGuided)
	if err != nil {
		e.log.Warn("usage collaborator unavailable, charging staged records only",
			zap.String("order", order.ExternalID), zap.Error(err))
	}
	for _, doc := range docs {
		if _, ok := seen[doc.CorrelationNumber]; ok {
			continue
		}
		seen[doc.CorrelationNumber] = struct{}{}
		records = append(records, domain.SDR{
			OrderRef:          order.ExternalID,
			ProductID:         contract.ProductID,
			Customer:          doc.Customer,
			Unit:              doc.Unit,
			Value:             doc.Value,
			CorrelationNumber: doc.CorrelationNumber,
			Timestamp:         doc.Timestamp,
			UsageID:           doc.ID,
		})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CorrelationNumber < records[j].CorrelationNumber
	})
	return records
}

// HandleTimeout fires when the gateway confirmation never arrived. The
// document lock guarantees at most one of timeout and confirmation
// mutates the order.
func (e *Engine) HandleTimeout(orderID snowflake.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	acquired, err := e.locks.TryAcquire(ctx, lockKey(orderID))
	if err != nil {
		e.log.Error("timeout lock acquire failed", zap.Int64("order_id", int64(orderID)), zap.Error(err))
		return
	}
	if !acquired {
		// Confirmation in flight, it owns the order now.
		return
	}
	defer func() {
		if releaseErr := e.locks.Release(ctx, lockKey(orderID)); releaseErr != nil {
			e.log.Error("timeout lock release failed", zap.Int64("order_id", int64(orderID)), zap.Error(releaseErr))
		}
	}()

	order, err := e.orders.FindByID(ctx, orderID)
	if err != nil {
		return
	}
	if order.PendingPayment == nil {
		return
	}

	e.log.Warn("charge confirmation deadline expired", zap.String("order", order.ExternalID))
	if err := e.rollback(ctx, order, "timeout"); err != nil {
		e.log.Error("timeout rollback failed", zap.String("order", order.ExternalID), zap.Error(err))
	}
}

// rollback undoes an unconfirmed pending payment. Initial charges delete
// the order outright, later concepts revert it to paid.
func (e *Engine) rollback(ctx context.Context, order *domain.Order, cause string) error {
	e.metrics.ChargeRollbacks.WithLabelValues(cause).Inc()
	concept := order.PendingPayment.Concept

	if notifyErr := e.notifier.OrderFailed(ctx, order.ExternalID, order.Customer, cause); notifyErr != nil {
		e.log.Warn("failure notification dropped", zap.String("order", order.ExternalID), zap.Error(notifyErr))
	}

	if concept == domain.ConceptInitial {
		if err := e.upstream.UpdateItems(ctx, order, upstream.ItemFailed, nil); err != nil {
			e.log.Warn("upstream item failure mark dropped", zap.String("order", order.ExternalID), zap.Error(err))
		}
		return e.orders.Delete(ctx, order)
	}

	order.PendingPayment = nil
	order.State = domain.OrderStatePaid
	return e.orders.Save(ctx, order)
}

var Module = fx.Module("charging",
	fx.Provide(NewEngine),
)
