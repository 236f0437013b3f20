// Package stats exports a go-metrics registry to Prometheus over HTTP.
package stats

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	metrics "github.com/rcrowley/go-metrics"
	"gopkg.in/tomb.v2"

	"github.com/ardnew/softdma/config"
	"github.com/ardnew/softdma/pkg"
)

// Exporter serves the metrics of a registry in the Prometheus text format.
// The registry is copied into Prometheus gauges once per flush interval.
type Exporter struct {
	cfg      config.Stats
	ln       net.Listener
	srv      *http.Server
	provider *mp.PrometheusConfig
	t        tomb.Tomb
}

// Start listens on cfg.Listen and serves r at cfg.Path until Close.
func Start(cfg config.Stats, r metrics.Registry) (*Exporter, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("stats: no listen address: %w", pkg.ErrInvalidParameter)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("stats: interval %v: %w", cfg.Interval, pkg.ErrInvalidParameter)
	}

	pr := prometheus.NewRegistry()
	e := &Exporter{
		cfg:      cfg,
		provider: mp.NewPrometheusProvider(r, cfg.Namespace, "", pr, cfg.Interval),
	}
	if err := e.provider.UpdatePrometheusMetricsOnce(); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   cfg.Namespace,
		Name:        "info",
		Help:        "Build information for the softdma program",
		ConstLabels: prometheus.Labels{"goversion": runtime.Version()},
	})
	pr.MustRegister(info)
	info.Set(1)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	e.ln = ln

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{}))
	e.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	e.t.Go(e.serve)
	e.t.Go(e.flush)

	pkg.LogInfo(pkg.ComponentStats, "prometheus stats listening",
		"addr", ln.Addr().String(),
		"path", cfg.Path,
		"interval", cfg.Interval)
	return e, nil
}

// Addr returns the address the exporter listens on.
func (e *Exporter) Addr() net.Addr {
	return e.ln.Addr()
}

// URL returns the address metrics are served at.
func (e *Exporter) URL() string {
	return "http://" + e.ln.Addr().String() + e.cfg.Path
}

func (e *Exporter) serve() error {
	if err := e.srv.Serve(e.ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (e *Exporter) flush() error {
	tick := time.NewTicker(e.cfg.Interval)
	defer tick.Stop()
	for {
		select {
		case <-e.t.Dying():
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return e.srv.Shutdown(ctx)
		case <-tick.C:
			if err := e.provider.UpdatePrometheusMetricsOnce(); err != nil {
				pkg.LogWarn(pkg.ComponentStats, "flush metrics", "error", err)
			}
		}
	}
}

// Flush copies the registry into the exported gauges now.
func (e *Exporter) Flush() error {
	return e.provider.UpdatePrometheusMetricsOnce()
}

// Close stops serving and waits for the exporter goroutines.
func (e *Exporter) Close() error {
	e.t.Kill(nil)
	return e.t.Wait()
}
