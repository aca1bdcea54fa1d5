package notify

import (
	"context"

	"github.com/example/ledger-core/pkg/rabbitmq"
)

// AMQPNotifier publishes events to a topic exchange with the event type as
// routing key.
type AMQPNotifier struct {
	Publisher rabbitmq.Publisher
	Exchange  string
}

func (n *AMQPNotifier) Notify(ctx context.Context, e Event) error {
	return n.Publisher.Publish(ctx, n.Exchange, string(e.Type), e)
}
