package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides methods to record metrics
type Metrics struct {
	messagesReceived  *prometheus.CounterVec
	messagesProcessed *prometheus.CounterVec
	commandsExecuted  *prometheus.CounterVec
	aiRequestDuration *prometheus.HistogramVec
	aiRequestsTotal   *prometheus.CounterVec
	rateLimitExceeded *prometheus.CounterVec
	storyTicks        *prometheus.CounterVec
	storyActive       prometheus.Gauge
	analyticsUploads  *prometheus.CounterVec
	activeChatters    prometheus.Gauge
}

// NewMetrics registers the bot metrics with reg. A nil reg uses the default
// prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Message metrics
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "twitch_bot_messages_received_total",
			Help: "Total number of chat messages received",
		}, []string{"interaction_type"}),
		messagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "twitch_bot_messages_processed_total",
			Help: "Total number of chat messages processed",
		}, []string{"status"}),

		// Command metrics
		commandsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "twitch_bot_commands_executed_total",
			Help: "Total number of commands executed",
		}, []string{"command"}),

		// AI metrics
		aiRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "twitch_bot_ai_request_duration_seconds",
			Help:    "Duration of AI requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"model", "status"}),
		aiRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "twitch_bot_ai_requests_total",
			Help: "Total number of AI requests",
		}, []string{"model", "status"}),

		rateLimitExceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "twitch_bot_rate_limit_exceeded_total",
			Help: "Total number of rate limit exceeded events",
		}, []string{"command"}),

		// Story metrics
		storyTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "twitch_bot_story_ticks_total",
			Help: "Total number of story loop ticks that produced or stopped a story",
		}, []string{"phase"}),
		storyActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "twitch_bot_story_active",
			Help: "1 while a story is running",
		}),

		analyticsUploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "twitch_bot_analytics_uploads_total",
			Help: "Total number of analytics batch uploads",
		}, []string{"status"}),

		activeChatters: factory.NewGauge(prometheus.GaugeOpts{
			Name: "twitch_bot_active_chatters",
			Help: "Number of recently active chatters",
		}),
	}
}

// RecordMessageReceived records a received message
func (m *Metrics) RecordMessageReceived(interactionType string) {
	m.messagesReceived.WithLabelValues(interactionType).Inc()
}

// RecordMessageProcessed records a processed message
func (m *Metrics) RecordMessageProcessed(status string) {
	m.messagesProcessed.WithLabelValues(status).Inc()
}

// RecordCommandExecuted records an executed command
func (m *Metrics) RecordCommandExecuted(command string) {
	m.commandsExecuted.WithLabelValues(command).Inc()
}

// RecordAIRequest records an AI request
func (m *Metrics) RecordAIRequest(model, status string, duration time.Duration) {
	m.aiRequestDuration.WithLabelValues(model, status).Observe(duration.Seconds())
	m.aiRequestsTotal.WithLabelValues(model, status).Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded(command string) {
	m.rateLimitExceeded.WithLabelValues(command).Inc()
}

// RecordStoryTick records one story loop step by phase (begin, progression, end, stop).
func (m *Metrics) RecordStoryTick(phase string) {
	m.storyTicks.WithLabelValues(phase).Inc()
}

func (m *Metrics) SetStoryActive(active bool) {
	if active {
		m.storyActive.Set(1)
		return
	}
	m.storyActive.Set(0)
}

// RecordAnalyticsUpload records the outcome of one analytics batch
func (m *Metrics) RecordAnalyticsUpload(status string) {
	m.analyticsUploads.WithLabelValues(status).Inc()
}

// SetActiveChatters sets the number of active chatters
func (m *Metrics) SetActiveChatters(count int) {
	m.activeChatters.Set(float64(count))
}

// NewMetricsRouter serves gatherer at path plus a /health check.
func NewMetricsRouter(path string, gatherer prometheus.Gatherer) *mux.Router {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router := mux.NewRouter()
	router.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return router
}

// StartMetricsServer starts the metrics HTTP server and shuts it down when
// ctx is cancelled.
func StartMetricsServer(ctx context.Context, port int, path string, gatherer prometheus.Gatherer) error {
	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:         addr,
		Handler:      NewMetricsRouter(path, gatherer),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
