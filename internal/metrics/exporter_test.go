package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

func TestExporter_CountsEvents(t *testing.T) {
	e := NewExporter("test")
	ctx := context.Background()
	require.NoError(t, e.Handle(ctx, domain.Event{Stream: domain.StreamVault, Type: "bond_deposited"}))
	require.NoError(t, e.Handle(ctx, domain.Event{Stream: domain.StreamVault, Type: "bond_deposited"}))
	require.NoError(t, e.Handle(ctx, domain.Event{Stream: domain.StreamLedger, Type: "tokens_minted"}))

	assert.Equal(t, 2.0, testutil.ToFloat64(e.events.WithLabelValues(domain.StreamVault, "bond_deposited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.events.WithLabelValues(domain.StreamLedger, "tokens_minted")))
}

func TestExporter_Handler(t *testing.T) {
	e := NewExporter("test")
	tvl := 1500.0
	e.Gauge("vault_value_locked", "Bonded amount of active bonds.", func() float64 { return tvl })
	e.Gauge("vault_value_locked", "duplicate", func() float64 { return 0 })
	e.SinkFailed("redis_bus")

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "test_treasury_vault_value_locked 1500")
	assert.Contains(t, string(body), `test_treasury_sink_errors_total{sink="redis_bus"} 1`)
}
