package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordTransaction("DEPOSIT", "committed", time.Millisecond)
	m.IncrVersionConflict()
	m.IncrPaymentEvent("SUCCEEDED", "applied")
	assert.Zero(t, m.TransactionCount("DEPOSIT", "committed"))
}

func TestMetricsCount(t *testing.T) {
	m := NewMetrics()
	m.RecordTransaction("DEPOSIT", "committed", time.Millisecond)
	m.RecordTransaction("DEPOSIT", "committed", time.Millisecond)
	m.IncrVersionConflict()

	assert.Equal(t, float64(2), m.TransactionCount("DEPOSIT", "committed"))
	assert.Equal(t, float64(1), m.VersionConflicts())

	// a second instance must not collide with the first
	other := NewMetrics()
	assert.Zero(t, other.TransactionCount("DEPOSIT", "committed"))

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestInitTracerWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "ledger-core", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestZapLoggerMiddlewareLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	handler := ZapLoggerMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	assert.Equal(t, int64(http.StatusServiceUnavailable), entries[0].ContextMap()["status"])
}
