package charging

import (
	"context"

	"github.com/storewise/charging/internal/ordering/domain"
	"github.com/storewise/charging/internal/ordering/upstream"

	"go.uber.org/zap"
)

// ConfirmCharge handles the gateway's approval callback. It takes the
// order's document lock before touching any state, so a racing timeout
// handler observes either the untouched pending payment or the finished
// charge, never a half-finalized order.
func (e *Engine) ConfirmCharge(ctx context.Context, externalID, caller, token, payerID string) (FinalizeResult, error) {
	order, err := e.orders.FindByExternalID(ctx, externalID)
	if err != nil {
		return FinalizeResult{}, err
	}

	acquired, err := e.locks.TryAcquire(ctx, lockKey(order.ID))
	if err != nil {
		return FinalizeResult{}, err
	}
	if !acquired {
		return FinalizeResult{}, ErrChargeInProgress
	}
	defer func() {
		if releaseErr := e.locks.Release(ctx, lockKey(order.ID)); releaseErr != nil {
			e.log.Error("confirm lock release failed", zap.String("order", externalID), zap.Error(releaseErr))
		}
	}()

	// Reload under the lock, the timeout handler may have won the race.
	order, err = e.orders.FindByExternalID(ctx, externalID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if order.PendingPayment == nil {
		return FinalizeResult{}, ErrNoPendingPayment
	}
	concept := order.PendingPayment.Concept

	if err := e.authorizeCaller(ctx, order, caller); err != nil {
		if rbErr := e.rollback(ctx, order, "unauthorized"); rbErr != nil {
			e.log.Error("rollback failed", zap.String("order", externalID), zap.Error(rbErr))
		}
		return FinalizeResult{}, err
	}

	sales, err := e.gateway.Execute(ctx, token, payerID)
	if err != nil {
		if rbErr := e.rollback(ctx, order, "gateway"); rbErr != nil {
			e.log.Error("rollback failed", zap.String("order", externalID), zap.Error(rbErr))
		}
		return FinalizeResult{}, err
	}
	order.Sales = append(order.Sales, sales...)

	result, err := e.endCharging(ctx, order, concept)
	if err != nil {
		e.refundSales(ctx, sales)
		if rbErr := e.rollback(ctx, order, "finalize"); rbErr != nil {
			e.log.Error("rollback failed", zap.String("order", externalID), zap.Error(rbErr))
		}
		return FinalizeResult{}, err
	}

	if concept == domain.ConceptInitial {
		e.completeItems(ctx, order)
	}
	return result, nil
}

// CancelCharge aborts an outstanding pending payment on the customer's
// request, with the same lock discipline as confirmation.
func (e *Engine) CancelCharge(ctx context.Context, externalID string) error {
	order, err := e.orders.FindByExternalID(ctx, externalID)
	if err != nil {
		return err
	}

	acquired, err := e.locks.TryAcquire(ctx, lockKey(order.ID))
	if err != nil {
		return err
	}
	if !acquired {
		return ErrChargeInProgress
	}
	defer func() {
		if releaseErr := e.locks.Release(ctx, lockKey(order.ID)); releaseErr != nil {
			e.log.Error("cancel lock release failed", zap.String("order", externalID), zap.Error(releaseErr))
		}
	}()

	order, err = e.orders.FindByExternalID(ctx, externalID)
	if err != nil {
		return err
	}
	if order.PendingPayment == nil {
		return ErrNoPendingPayment
	}
	return e.rollback(ctx, order, "cancelled")
}

// authorizeCaller accepts the order's customer and members of the owning
// organization. An empty caller means the request is machine-to-machine
// and already authenticated upstream.
func (e *Engine) authorizeCaller(ctx context.Context, order *domain.Order, caller string) error {
	if caller == "" || caller == order.Customer {
		return nil
	}
	owner, err := e.orgs.FindByID(ctx, order.OwnerOrgID)
	if err != nil {
		return err
	}
	if !owner.HasActor(caller) {
		return ErrNotAuthorized
	}
	return nil
}

func (e *Engine) refundSales(ctx context.Context, sales []string) {
	for _, saleID := range sales {
		if err := e.gateway.Refund(ctx, saleID); err != nil {
			e.log.Error("sale refund failed", zap.String("sale", saleID), zap.Error(err))
		}
	}
}

// completeItems walks the upstream item state machine for a finished
// acquisition: everything InProgress, digital items straight to Completed.
func (e *Engine) completeItems(ctx context.Context, order *domain.Order) {
	if err := e.upstream.UpdateItems(ctx, order, upstream.ItemInProgress, nil); err != nil {
		e.log.Warn("upstream item transition dropped", zap.String("order", order.ExternalID), zap.Error(err))
		return
	}
	var digital []string
	for _, contract := range order.Contracts {
		if contract.Offering.IsDigital {
			digital = append(digital, contract.ItemID)
		}
	}
	if len(digital) == 0 {
		return
	}
	if err := e.upstream.UpdateItems(ctx, order, upstream.ItemCompleted, digital); err != nil {
		e.log.Warn("upstream item completion dropped", zap.String("order", order.ExternalID), zap.Error(err))
	}
}
