// Package metrics records build outcomes for Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Nitorac/esbonio/internal/manager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "esbonio"

// Collector is a manager build listener that counts builds, their
// duration, documents and warnings.
type Collector struct {
	registry *prometheus.Registry

	builds    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	documents *prometheus.GaugeVec
	warnings  *prometheus.GaugeVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Build attempts by project and outcome.",
		}, []string{"project", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Build duration by project.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"project"}),
		documents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_documents",
			Help:      "Documents produced by the last successful build.",
		}, []string{"project"}),
		warnings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_warnings",
			Help:      "Warnings reported by the last successful build.",
		}, []string{"project"}),
	}
	c.registry.MustRegister(c.builds, c.duration, c.documents, c.warnings)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) OnBuild(_ context.Context, ev manager.BuildEvent) error {
	outcome := "success"
	if ev.Err != nil {
		outcome = "failure"
	}
	c.builds.WithLabelValues(ev.Project, outcome).Inc()
	c.duration.WithLabelValues(ev.Project).Observe(ev.Duration.Seconds())
	if ev.Err == nil {
		c.documents.WithLabelValues(ev.Project).Set(float64(ev.Result.Documents))
		c.warnings.WithLabelValues(ev.Project).Set(float64(len(ev.Result.Warnings)))
	}
	return nil
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Info("metrics listening", "component", "metrics", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
