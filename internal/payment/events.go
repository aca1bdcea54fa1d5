package payment

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/example/ledger-core/internal/domain"
	"github.com/example/ledger-core/pkg/rabbitmq"
)

// RoutingKeyGatewayEvent is the routing key gateway status events arrive on.
const RoutingKeyGatewayEvent = "payment.gateway.event"

// GatewayEvent is the message body published by the gateway.
type GatewayEvent struct {
	IdempotencyKey string               `json:"idempotency_key"`
	Status         domain.PaymentStatus `json:"status"`
	Payload        json.RawMessage      `json:"payload,omitempty"`
}

// Handler adapts RecordGatewayEvent to the queue consumer. Malformed bodies
// and rejected events are acknowledged; transient failures are requeued.
func (r *Reconciler) Handler() rabbitmq.Handler {
	return func(ctx context.Context, body []byte) bool {
		var ev GatewayEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			r.logger.Error("malformed gateway event; dropping", zap.Error(err))
			return true
		}
		if ev.IdempotencyKey == "" {
			r.logger.Error("gateway event without idempotency key; dropping")
			return true
		}

		err := r.RecordGatewayEvent(ctx, ev.IdempotencyKey, ev.Status, ev.Payload)
		if err == nil {
			return true
		}
		if domain.IsTransient(err) || ctx.Err() != nil {
			return false
		}
		return true
	}
}

// Bindings returns the consumer bindings served by the reconciler.
func (r *Reconciler) Bindings() map[string]rabbitmq.Handler {
	return map[string]rabbitmq.Handler{RoutingKeyGatewayEvent: r.Handler()}
}
