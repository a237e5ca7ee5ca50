package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Poll outcomes
const (
	pollOK             = "ok"
	pollNoSession      = "no_session"
	pollFrameError     = "frame_error"
	pollParseError     = "parse_error"
	pollTransportError = "transport_error"
)

// Metrics exposes bridge health to Prometheus. A nil *Metrics is valid and records nothing.
type Metrics struct {
	polls       *prometheus.CounterVec
	reconnects  *prometheus.CounterVec
	state       prometheus.Gauge
	lastSuccess prometheus.Gauge
}

// NewMetrics creates and registers the bridge metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "easunbridge_polls_total",
			Help: "QPIGS polls by outcome",
		}, []string{"result"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "easunbridge_reconnects_total",
			Help: "Reconnect attempts from the degraded state by outcome",
		}, []string{"result"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "easunbridge_connection_state",
			Help: "0=disconnected 1=connecting 2=connected 3=degraded",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "easunbridge_last_success_timestamp_seconds",
			Help: "Unix time of the last successfully decoded poll",
		}),
	}
	reg.MustRegister(m.polls, m.reconnects, m.state, m.lastSuccess)
	return m
}

// ObservePoll counts one poll outcome
func (m *Metrics) ObservePoll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
	if result == pollOK {
		m.lastSuccess.SetToCurrentTime()
	}
}

// ObserveReconnect counts one reconnect attempt
func (m *Metrics) ObserveReconnect(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	m.reconnects.WithLabelValues(result).Inc()
}

// SetState records the current connection state
func (m *Metrics) SetState(state ConnectionState) {
	if m == nil {
		return
	}
	m.state.Set(float64(state))
}

// metricsWorker serves /metrics until ctx is cancelled
func metricsWorker(ctx context.Context, addr string, gatherer prometheus.Gatherer) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("Serving metrics on %s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("Metrics server failed: %v", err)
	}
}
