// Package notify emits billing lifecycle events for downstream consumers
// (mail senders, dashboards). Callers treat every notification as best
// effort.
package notify

import (
	"context"

	"github.com/storewise/charging/internal/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// PayoutIssue describes one payout item that needs recipient attention.
type PayoutIssue struct {
	Receiver string `json:"receiver"`
	ItemID   string `json:"item_id"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Notifier publishes billing lifecycle events.
type Notifier interface {
	OrderCharged(ctx context.Context, orderRef, customer, concept string) error
	OrderFailed(ctx context.Context, orderRef, customer, reason string) error
	// PaymentRequired asks the customer to approve an outstanding charge
	// at the given gateway URL.
	PaymentRequired(ctx context.Context, orderRef, customer, concept, redirectURL string) error
	PayoutError(ctx context.Context, batchID string, issues []PayoutIssue) error
}

// noopNotifier is used when no broker is configured.
type noopNotifier struct {
	log *zap.Logger
}

func (n *noopNotifier) OrderCharged(_ context.Context, orderRef, customer, concept string) error {
	n.log.Debug("notification skipped", zap.String("event", "order.charged"), zap.String("order", orderRef), zap.String("customer", customer), zap.String("concept", concept))
	return nil
}

func (n *noopNotifier) OrderFailed(_ context.Context, orderRef, customer, reason string) error {
	n.log.Debug("notification skipped", zap.String("event", "order.failed"), zap.String("order", orderRef), zap.String("customer", customer), zap.String("reason", reason))
	return nil
}

func (n *noopNotifier) PaymentRequired(_ context.Context, orderRef, customer, concept, redirectURL string) error {
	n.log.Debug("notification skipped", zap.String("event", "order.payment_required"), zap.String("order", orderRef), zap.String("customer", customer), zap.String("concept", concept), zap.String("redirect_url", redirectURL))
	return nil
}

func (n *noopNotifier) PayoutError(_ context.Context, batchID string, issues []PayoutIssue) error {
	n.log.Debug("notification skipped", zap.String("event", "payout.error"), zap.String("batch", batchID), zap.Int("issues", len(issues)))
	return nil
}

func provide(lc fx.Lifecycle, log *zap.Logger, cfg config.Config) Notifier {
	log = log.Named("notify")
	if cfg.AMQPURL == "" {
		log.Info("no broker configured, notifications disabled")
		return &noopNotifier{log: log}
	}
	producer, err := NewAMQPNotifier(log, cfg.AMQPURL)
	if err != nil {
		log.Warn("broker unreachable, notifications disabled", zap.Error(err))
		return &noopNotifier{log: log}
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			producer.Close()
			return nil
		},
	})
	return producer
}

var Module = fx.Module("notify",
	fx.Provide(provide),
)
