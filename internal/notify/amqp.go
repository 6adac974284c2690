package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const exchange = "charging.events"

// AMQPNotifier publishes billing events to a topic exchange. Routing keys
// follow the "order.*" / "payout.*" pattern so consumers can subscribe to
// a slice of the stream.
type AMQPNotifier struct {
	log     *zap.Logger
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url scheme must be amqp:// or amqps://")
	}
	return clean, nil
}

func NewAMQPNotifier(log *zap.Logger, amqpURL string) (*AMQPNotifier, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.Dial(cleanURL)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	return &AMQPNotifier{log: log, conn: conn, channel: channel}, nil
}

func (n *AMQPNotifier) publish(ctx context.Context, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	err = n.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		return err
	}
	n.log.Debug("event published", zap.String("routing_key", routingKey))
	return nil
}

func (n *AMQPNotifier) OrderCharged(ctx context.Context, orderRef, customer, concept string) error {
	return n.publish(ctx, "order.charged", map[string]string{
		"order":    orderRef,
		"customer": customer,
		"concept":  concept,
	})
}

func (n *AMQPNotifier) OrderFailed(ctx context.Context, orderRef, customer, reason string) error {
	return n.publish(ctx, "order.failed", map[string]string{
		"order":    orderRef,
		"customer": customer,
		"reason":   reason,
	})
}

func (n *AMQPNotifier) PaymentRequired(ctx context.Context, orderRef, customer, concept, redirectURL string) error {
	return n.publish(ctx, "order.payment_required", map[string]string{
		"order":        orderRef,
		"customer":     customer,
		"concept":      concept,
		"redirect_url": redirectURL,
	})
}

func (n *AMQPNotifier) PayoutError(ctx context.Context, batchID string, issues []PayoutIssue) error {
	return n.publish(ctx, "payout.error", map[string]any{
		"batch":  batchID,
		"issues": issues,
	})
}

func (n *AMQPNotifier) Close() {
	if n.channel != nil {
		n.channel.Close()
	}
	if n.conn != nil {
		n.conn.Close()
	}
}
