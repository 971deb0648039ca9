// Package metrics exposes evaluation counters and step timings for
// Prometheus scraping.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalnine/patchgrade/internal/grader"
	"github.com/signalnine/patchgrade/internal/result"
)

var _ grader.EventSink = (*Metrics)(nil)

// Metrics owns a private registry so tests and embedders do not collide with
// the default one.
type Metrics struct {
	registry *prometheus.Registry

	evaluationsTotal *prometheus.CounterVec
	lastReward       *prometheus.GaugeVec
	stepSeconds      *prometheus.HistogramVec
	launchAttempts   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchgrade_evaluations_total",
			Help: "Evaluations finished, by CVE and result",
		},
		[]string{"cve", "result"},
	)
	m.lastReward = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "patchgrade_last_reward",
			Help: "Reward of the most recent evaluation",
		},
		[]string{"cve"},
	)
	m.stepSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "patchgrade_step_duration_seconds",
			Help:    "Duration of evaluation steps",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"cve", "step", "outcome"},
	)
	m.launchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchgrade_launch_attempts_total",
			Help: "Service start attempts made by the launcher",
		},
		[]string{"cve"},
	)
	m.registry.MustRegister(m.evaluationsTotal, m.lastReward, m.stepSeconds, m.launchAttempts)
	return m
}

// Observe records one grader step.
func (m *Metrics) Observe(cve string, e grader.Event) {
	m.stepSeconds.WithLabelValues(cve, e.Step, e.Outcome).Observe(float64(e.DurationMS) / 1000)
	if e.Step == grader.StepLaunch && e.Attempts > 0 {
		m.launchAttempts.WithLabelValues(cve).Add(float64(e.Attempts))
	}
}

// ObserveEvaluation records a finished evaluation.
func (m *Metrics) ObserveEvaluation(cve string, ev result.Evaluation) {
	m.evaluationsTotal.WithLabelValues(cve, Outcome(ev)).Inc()
	m.lastReward.WithLabelValues(cve).Set(ev.Reward)
}

// Outcome names an evaluation's result for labels and reports.
func Outcome(ev result.Evaluation) string {
	switch {
	case ev.IsError:
		return "error"
	case ev.Reward >= 1:
		return "fixed"
	case ev.Reward > 0:
		return "partial"
	}
	return "vulnerable"
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("warning: metrics server shutdown: %v", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
