package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/example/ledger-core/internal/observability"
)

// Sink is a named Notifier so failures can be attributed.
type Sink struct {
	Name     string
	Notifier Notifier
}

// Multi fans an event out to every sink in order.
type Multi struct {
	sinks   []Sink
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewMulti(logger *zap.Logger, metrics *observability.Metrics, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, logger: logger, metrics: metrics}
}

// Add appends a sink. It is not safe to call concurrently with Notify.
func (m *Multi) Add(name string, n Notifier) {
	m.sinks = append(m.sinks, Sink{Name: name, Notifier: n})
}

// Notify delivers to every sink even when some fail, and returns the joined
// failures for callers that want them.
func (m *Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Notifier.Notify(ctx, e); err != nil {
			m.logger.Warn("notification failed",
				zap.String("sink", s.Name),
				zap.String("event_type", string(e.Type)),
				zap.String("event_id", e.ID),
				zap.Error(err))
			m.metrics.IncrNotifyFailure(s.Name)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
