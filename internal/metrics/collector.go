// Package metrics exposes the bridge's Prometheus metrics from a private
// registry. A nil *Collector is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"gchatbridge/internal/domain"
)

// Result labels shared by the counters below.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultPanic   = "panic"
	ResultAborted = "aborted"
)

// Collector owns the registry and every metric the bridge records.
type Collector struct {
	registry *prometheus.Registry
	start    time.Time

	messageSent        *prometheus.CounterVec
	eventsReceived     *prometheus.CounterVec
	eventsDuplicate    prometheus.Counter
	handlerResults     *prometheus.CounterVec
	handlerLatency     prometheus.Histogram
	attachmentsFetched *prometheus.CounterVec
	listenerReconnects prometheus.Counter
	listenerState      prometheus.Gauge
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9_]+`)

// Namespace turns a bot name into a metric prefix: "@" removed, trimmed,
// lowercased, and anything outside [a-z0-9_] collapsed to "_".
func Namespace(botName string) string {
	ns := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(botName, "@", "")))
	ns = strings.Trim(invalidNameChars.ReplaceAllString(ns, "_"), "_")
	if ns == "" {
		return "gchatbridge"
	}
	if ns[0] >= '0' && ns[0] <= '9' {
		ns = "_" + ns
	}
	return ns
}

// New registers all metrics under Namespace(botName).
func New(botName string) *Collector {
	ns := Namespace(botName)
	c := &Collector{
		registry: prometheus.NewRegistry(),
		start:    time.Now(),
		messageSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "message_sent_total",
			Help: "Messages posted to Google Chat by status.",
		}, []string{"status"}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "events_received_total",
			Help: "Events delivered by the subscription by event type.",
		}, []string{"type"}),
		eventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "events_duplicate_total",
			Help: "Redelivered events skipped by deduplication.",
		}),
		handlerResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "handler_results_total",
			Help: "Handler outcomes (success, failure, panic, aborted).",
		}, []string{"result"}),
		handlerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "handler_latency_seconds",
			Help:    "Handler execution time in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		attachmentsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "attachments_fetched_total",
			Help: "Attachment downloads by result.",
		}, []string{"result"}),
		listenerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "listener_reconnects_total",
			Help: "Subscription reconnect attempts after transient failures.",
		}),
		listenerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "listener_state",
			Help: "1 while the subscription listener is receiving, 0 otherwise.",
		}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: ns, Name: "uptime_seconds",
		Help: "Time since start in seconds.",
	}, func() float64 { return time.Since(c.start).Seconds() })

	c.registry.MustRegister(
		c.messageSent, c.eventsReceived, c.eventsDuplicate,
		c.handlerResults, c.handlerLatency, c.attachmentsFetched,
		c.listenerReconnects, c.listenerState, uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler renders the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// MessageSent counts one outbound message; status is an HTTP status or "error".
func (c *Collector) MessageSent(status string) {
	if c == nil {
		return
	}
	c.messageSent.WithLabelValues(status).Inc()
}

func (c *Collector) EventReceived(t domain.EventType) {
	if c == nil {
		return
	}
	c.eventsReceived.WithLabelValues(string(t)).Inc()
}

func (c *Collector) EventDuplicate() {
	if c == nil {
		return
	}
	c.eventsDuplicate.Inc()
}

// HandlerDone records one handler outcome and its duration.
func (c *Collector) HandlerDone(result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.handlerResults.WithLabelValues(result).Inc()
	c.handlerLatency.Observe(elapsed.Seconds())
}

func (c *Collector) AttachmentFetched(result string) {
	if c == nil {
		return
	}
	c.attachmentsFetched.WithLabelValues(result).Inc()
}

func (c *Collector) ListenerReconnect() {
	if c == nil {
		return
	}
	c.listenerReconnects.Inc()
}

func (c *Collector) SetListening(on bool) {
	if c == nil {
		return
	}
	if on {
		c.listenerState.Set(1)
	} else {
		c.listenerState.Set(0)
	}
}

// Route is an extra handler mounted next to the metrics endpoint.
type Route struct {
	Pattern string
	Handler http.Handler
}

// Serve runs the metrics HTTP endpoint until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr, path string, logger logrus.FieldLogger, routes ...Route) error {
	mux := http.NewServeMux()
	mux.Handle(path, c.Handler())
	for _, r := range routes {
		mux.Handle(r.Pattern, r.Handler)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.WithFields(logrus.Fields{"addr": addr, "path": path}).Info("metrics server starting")

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	}
}
