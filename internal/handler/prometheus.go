package handler

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mir00r/openflow-lb/pkg/logger"
)

// promLogger adapts the application logger to promhttp's error log
type promLogger struct {
	logger *logger.Logger
}

func (l promLogger) Println(v ...interface{}) {
	l.logger.Warn(v...)
}

// NewMetricsHandler serves the controller's metrics registry in the
// Prometheus exposition format
func NewMetricsHandler(registry *prometheus.Registry, log *logger.Logger) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog:      promLogger{logger: log.WithField("component", "metrics")},
		ErrorHandling: promhttp.ContinueOnError,
		Registry:      registry,
	})
}
