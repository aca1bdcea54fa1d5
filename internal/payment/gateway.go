package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/ledger-core/internal/money"
	"github.com/example/ledger-core/internal/observability"
	"github.com/example/ledger-core/internal/resilience"
)

// ErrGatewayRejected marks a submission the gateway refused outright.
// It is not retried.
var ErrGatewayRejected = errors.New("gateway rejected payment")

// Submission is what the core sends to the gateway for a new payment.
type Submission struct {
	PaymentID      string      `json:"payment_id"`
	IdempotencyKey string      `json:"idempotency_key"`
	AccountID      string      `json:"account_id"`
	CardID         string      `json:"card_id,omitempty"`
	Amount         money.Money `json:"amount"`
}

// Gateway submits payments to the external processor and returns its
// reference for the payment.
type Gateway interface {
	Submit(ctx context.Context, s Submission) (string, error)
}

type submitResponse struct {
	Reference string `json:"reference"`
}

// HTTPGateway posts submissions to the gateway's REST API.
type HTTPGateway struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	cb         *gobreaker.CircuitBreaker
	bulkhead   *resilience.Bulkhead
	cfg        resilience.Config
	metrics    *observability.Metrics
}

func NewHTTPGateway(httpClient *http.Client, baseURL, apiKey string, cfg resilience.Config, metrics *observability.Metrics) *HTTPGateway {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Retryable == nil {
		cfg.Retryable = func(err error) bool { return !errors.Is(err, ErrGatewayRejected) }
	}
	return &HTTPGateway{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		cb:         resilience.NewCircuitBreaker("payment-gateway", ErrGatewayRejected),
		bulkhead:   resilience.NewBulkhead(cfg.MaxConcurrency),
		cfg:        cfg,
		metrics:    metrics,
	}
}

// Submit sends s with retry inside a circuit breaker. The idempotency key
// travels as a header so the gateway can dedupe our retries.
func (g *HTTPGateway) Submit(ctx context.Context, s Submission) (string, error) {
	ctx, span := tracer.Start(ctx, "HTTPGateway.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", s.PaymentID))

	if err := g.bulkhead.Acquire(ctx); err != nil {
		return "", err
	}
	defer g.bulkhead.Release()

	body, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode submission: %w", err)
	}

	result, err := g.cb.Execute(func() (any, error) {
		var out submitResponse
		innerErr := resilience.RetryWithBackoff(ctx, g.cfg, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/payments", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Idempotency-Key", s.IdempotencyKey)
			if g.apiKey != "" {
				req.Header.Set("Authorization", "Bearer "+g.apiKey)
			}

			resp, err := g.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
				return fmt.Errorf("gateway returned status %d", resp.StatusCode)
			case resp.StatusCode >= 400:
				return fmt.Errorf("%w: status %d", ErrGatewayRejected, resp.StatusCode)
			}
			return json.NewDecoder(resp.Body).Decode(&out)
		})
		if innerErr != nil {
			return nil, innerErr
		}
		return out.Reference, nil
	})
	if err != nil {
		g.metrics.IncrGatewayCall("error")
		span.RecordError(err)
		return "", fmt.Errorf("payment gateway: %w", err)
	}
	g.metrics.IncrGatewayCall("ok")
	return result.(string), nil
}
