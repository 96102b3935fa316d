package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"
	"go.opentelemetry.io/otel"

	"github.com/trickstertwo/orderbus"
	"github.com/trickstertwo/orderbus/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, xlog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, xlog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, xlog.LevelError, ParseLevel("error"))
	assert.Equal(t, xlog.LevelInfo, ParseLevel(""))
	assert.Equal(t, xlog.LevelInfo, ParseLevel("verbose"))
}

func TestNewLogger_WritesToWriter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(config.Log{Level: "info"}, "test-app", &buf)
	l.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "test-app")
}

func TestInitTracer_DisabledWithoutEndpoint(t *testing.T) {
	tp, enabled, shutdown, err := InitTracer(context.Background(), config.Tracing{})
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.NotNil(t, tp)
	assert.NotNil(t, otel.GetTextMapPropagator())
	assert.NoError(t, shutdown(context.Background()))
}

type fixedHealth orderbus.HealthStatus

func (h fixedHealth) Health(context.Context) orderbus.HealthStatus { return orderbus.HealthStatus(h) }

func TestHandler_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "orderbus_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	rec := httptest.NewRecorder()
	Handler(reg, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "orderbus_test_total 1")
}

func TestHandler_Healthz(t *testing.T) {
	tests := []struct {
		name   string
		status string
		code   int
	}{
		{"healthy", "healthy", http.StatusOK},
		{"degraded", "degraded", http.StatusOK},
		{"unhealthy", "unhealthy", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h := Handler(prometheus.NewRegistry(), fixedHealth{Status: tt.status})
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.code, rec.Code)
			var got orderbus.HealthStatus
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
			assert.Equal(t, tt.status, got.Status)
		})
	}
}

func TestHandler_HealthzWithoutChecker(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(prometheus.NewRegistry(), nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
