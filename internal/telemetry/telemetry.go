package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"pkt.systems/pslog"
)

// Bundle owns the meter provider and the scrape server.
type Bundle struct {
	meterProvider *sdkmetric.MeterProvider
	metricsServer *http.Server
	metricsLn     net.Listener
	logger        pslog.Logger
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err != nil {
		h.logger.Warn("telemetry.exporter.error", "error", err)
	}
}

// Setup installs a global meter provider backed by a Prometheus registry and
// serves it on metricsListen under /metrics. An empty address disables
// telemetry and returns a nil Bundle.
func Setup(ctx context.Context, metricsListen string, logger pslog.Logger) (*Bundle, error) {
	metricsListen = strings.TrimSpace(metricsListen)
	if metricsListen == "" {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	otel.SetErrorHandler(otelErrorHandler{logger: logger})

	registry := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(meterProvider)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	server, ln, err := startMetricsServer(metricsListen, handler, logger)
	if err != nil {
		_ = meterProvider.Shutdown(ctx)
		return nil, err
	}
	logger.Info("telemetry.metrics.enabled", "listen", ln.Addr().String())
	return &Bundle{
		meterProvider: meterProvider,
		metricsServer: server,
		metricsLn:     ln,
		logger:        logger,
	}, nil
}

func startMetricsServer(addr string, handler http.Handler, logger pslog.Logger) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: listen metrics %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("telemetry.metrics.serve_failed", "error", err)
		}
	}()
	return srv, ln, nil
}

// Addr returns the address the scrape endpoint listens on.
func (b *Bundle) Addr() string {
	if b == nil || b.metricsLn == nil {
		return ""
	}
	return b.metricsLn.Addr().String()
}

// Shutdown stops the scrape server and flushes the meter provider. It is
// safe on a nil Bundle.
func (b *Bundle) Shutdown(ctx context.Context) error {
	if b == nil {
		return nil
	}
	var errs []error
	if b.meterProvider != nil {
		if err := b.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
			b.logger.Warn("telemetry.shutdown.metric_failure", "error", err)
		}
	}
	if b.metricsServer != nil {
		if err := b.metricsServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
			b.logger.Warn("telemetry.shutdown.metrics_server_failure", "error", err)
		}
	}
	if b.metricsLn != nil {
		_ = b.metricsLn.Close()
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	b.logger.Info("telemetry.shutdown.complete")
	return nil
}
