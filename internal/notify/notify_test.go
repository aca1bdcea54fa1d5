package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/ledger-core/internal/domain"
	"github.com/example/ledger-core/internal/observability"
	"github.com/example/ledger-core/pkg/audit"
)

type recordingPublisher struct {
	exchange   string
	routingKey string
	body       any
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	p.exchange, p.routingKey, p.body = exchange, routingKey, body
	return nil
}

func (p *recordingPublisher) Close() {}

func TestMultiDeliversToEverySink(t *testing.T) {
	var got []string
	failing := NotifierFunc(func(ctx context.Context, e Event) error { return errors.New("broker down") })
	recording := NotifierFunc(func(ctx context.Context, e Event) error {
		got = append(got, e.ID)
		return nil
	})
	metrics := observability.NewMetrics()
	m := NewMulti(zap.NewNop(), metrics, Sink{Name: "amqp", Notifier: failing})
	m.Add("recorder", recording)

	err := m.Notify(context.Background(), Event{ID: "evt-1", Type: EventTransactionCommitted})
	assert.Error(t, err)
	assert.Equal(t, []string{"evt-1"}, got)
}

func TestAMQPNotifierRoutesByType(t *testing.T) {
	pub := &recordingPublisher{}
	n := &AMQPNotifier{Publisher: pub, Exchange: "ledger.events"}
	require.NoError(t, n.Notify(context.Background(), Event{ID: "evt-1", Type: EventCardStatusChanged}))
	assert.Equal(t, "ledger.events", pub.exchange)
	assert.Equal(t, "card.status_changed", pub.routingKey)
}

func TestAuditNotifierChainsEvents(t *testing.T) {
	var buf bytes.Buffer
	n := &AuditNotifier{Trail: audit.NewTrail(&buf)}

	for _, to := range []domain.PaymentStatus{domain.PaymentProcessing, domain.PaymentSucceeded} {
		require.NoError(t, n.Notify(context.Background(), Event{
			ID:         "evt-" + string(to),
			Type:       EventPaymentStatusChanged,
			OccurredAt: time.Now(),
			Payment:    &PaymentChange{PaymentID: "pay-1", To: to, Payload: json.RawMessage(`{"gw":"x"}`)},
		}))
	}

	entries, err := audit.ReadEntries(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.NoError(t, audit.Verify(entries))
	assert.Equal(t, "payment.status_changed", entries[1].Kind)
}
