package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"postmedia/internal/config"
	"postmedia/internal/handlers"
	"postmedia/internal/metrics"
)

func TestServerExposesMetricsAndHealth(t *testing.T) {
	cfg := &config.AppConfig{Environment: "test", HTTP: config.HTTPConfig{Host: "127.0.0.1", Port: 0}}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	srv := NewHTTPServer(cfg, zerolog.Nop(), handlers.NewHandlerSet(zerolog.Nop(), cfg, nil, nil), m, reg)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/images/x", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	m.Upload("ok")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `postmedia_uploads_total{outcome="ok"} 1`)
	assert.Contains(t, w.Body.String(), `postmedia_http_request_duration_seconds_count{method="GET",route="/api/healthz",status="200"} 1`)
}
