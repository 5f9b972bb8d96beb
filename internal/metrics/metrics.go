// Package metrics exposes render and widget counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hudmux/internal/widget"
)

// Metrics holds every hudmux collector. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	events         *prometheus.CounterVec
	frames         prometheus.Counter
	cellsWritten   prometheus.Counter
	bytesWritten   prometheus.Counter
	renderDuration prometheus.Histogram
	captures       *prometheus.CounterVec
	captureSeconds *prometheus.HistogramVec
	skippedTicks   *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hudmux",
			Name:      "events_total",
			Help:      "Events consumed by the compositor.",
		}, []string{"kind"}),
		frames: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hudmux",
			Subsystem: "render",
			Name:      "frames_total",
			Help:      "Render passes that wrote to the terminal.",
		}),
		cellsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hudmux",
			Subsystem: "render",
			Name:      "cells_total",
			Help:      "Cells written to the terminal.",
		}),
		bytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hudmux",
			Subsystem: "render",
			Name:      "bytes_total",
			Help:      "Bytes written to the terminal.",
		}),
		renderDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hudmux",
			Subsystem: "render",
			Name:      "duration_seconds",
			Help:      "Time to compose, diff and write one frame.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		captures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hudmux",
			Subsystem: "widget",
			Name:      "captures_total",
			Help:      "Widget captures by outcome.",
		}, []string{"widget", "status"}),
		captureSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hudmux",
			Subsystem: "widget",
			Name:      "capture_duration_seconds",
			Help:      "Widget capture wall time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"widget"}),
		skippedTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hudmux",
			Subsystem: "widget",
			Name:      "skipped_ticks_total",
			Help:      "Ticks skipped because the previous capture was still running.",
		}, []string{"widget"}),
	}
}

// ObserveEvent counts one compositor event.
func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// ObserveRender records one frame write.
func (m *Metrics) ObserveRender(cells, bytes int, d time.Duration) {
	if m == nil {
		return
	}
	m.frames.Inc()
	m.cellsWritten.Add(float64(cells))
	m.bytesWritten.Add(float64(bytes))
	m.renderDuration.Observe(d.Seconds())
}

// ObserveCapture records one finished widget capture.
func (m *Metrics) ObserveCapture(widgetID string, status widget.StatusKind, d time.Duration) {
	if m == nil {
		return
	}
	m.captures.WithLabelValues(widgetID, status.String()).Inc()
	m.captureSeconds.WithLabelValues(widgetID).Observe(d.Seconds())
}

// ObserveSkip counts a coalesced tick.
func (m *Metrics) ObserveSkip(widgetID string) {
	if m == nil {
		return
	}
	m.skippedTicks.WithLabelValues(widgetID).Inc()
}

// Serve exposes reg on addr at /metrics until ctx ends.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serve(ctx, ln, reg)
}

func serve(ctx context.Context, ln net.Listener, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
