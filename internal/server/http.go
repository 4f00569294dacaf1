package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sergiterupri/ip-talkie/internal/config"
	"github.com/sergiterupri/ip-talkie/internal/link"
	"github.com/sergiterupri/ip-talkie/internal/metrics"
)

// StatsSource exposes the running link to the API
type StatsSource interface {
	Statistics() link.Statistics
}

// HTTPServer provides HTTP API endpoints for monitoring the voice link
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
	config   *config.Config
	link     StatsSource
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server. gatherer backs /metrics and
// falls back to the default registry when nil.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	source StatsSource, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		link:      source,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/stats/transport", h.withMetrics("/stats/transport", h.handleTransportStats))
	mux.HandleFunc("/stats/playback", h.withMetrics("/stats/playback", h.handlePlaybackStats))
	mux.HandleFunc("/stats/activity", h.withMetrics("/stats/activity", h.handleActivityStats))

	// No request metrics for the metrics endpoint itself
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listener and serves in the background. A bind failure is
// returned to the caller.
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.listener = listener

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (h *HTTPServer) Addr() string {
	if h.listener == nil {
		return h.server.Addr
	}
	return h.listener.Addr().String()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.link.Statistics()

	status, code := "healthy", http.StatusOK
	if stats.Phase != "running" {
		status, code = "stopping", http.StatusServiceUnavailable
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "ip-talkie",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"capture": map[string]interface{}{
				"state":       stats.Capture.State,
				"invocations": stats.Capture.Invocations,
				"errors":      stats.Capture.Errors,
				"voice":       stats.Activity.Capture.Active,
			},
			"playback": map[string]interface{}{
				"state":       stats.Playback.State,
				"invocations": stats.Playback.Invocations,
				"underruns":   stats.Playout.Underruns,
				"voice":       stats.Activity.Playback.Active,
			},
			"transport": map[string]interface{}{
				"peer":             stats.Transport.PeerAddress,
				"packets_sent":     stats.Transport.PacketsSent,
				"packets_received": stats.Transport.PacketsReceived,
			},
		},
	}

	writeJSON(w, code, health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	effective := map[string]interface{}{
		"peer": map[string]interface{}{
			"host": h.config.Peer.Host,
			"port": h.config.Peer.Port,
		},
		"transport": map[string]interface{}{
			"bind_address":      h.config.Transport.BindAddress,
			"local_port":        h.config.Transport.LocalPort,
			"poll_interval_ms":  h.config.Transport.PollInterval,
			"accept_any_source": h.config.Transport.AcceptAnySource,
		},
		"audio": map[string]interface{}{
			"backend":           h.config.Audio.Backend,
			"sample_rate":       h.config.Audio.SampleRate,
			"channels":          h.config.Audio.Channels,
			"frames_per_buffer": h.config.Audio.FramesPerBuffer,
		},
		"codec": map[string]interface{}{
			"rule":  h.config.Codec.Rule,
			"scale": h.config.Codec.Scale,
		},
		"playback": map[string]interface{}{
			"queue_capacity":  h.config.Playback.QueueCapacity,
			"max_backlog":     h.config.Playback.MaxBacklog,
			"legacy_blocking": h.config.Playback.LegacyBlocking,
		},
		"activity": map[string]interface{}{
			"threshold": h.config.Activity.Threshold,
			"smoothing": h.config.Activity.Smoothing,
			"hangover":  h.config.Activity.Hangover,
		},
		"pipeline": map[string]interface{}{
			"failure_policy":   h.config.Pipeline.FailurePolicy,
			"drain_timeout_ms": h.config.Pipeline.DrainTimeout,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, effective)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.link.Statistics())
}

// handleTransportStats implements the /stats/transport endpoint
func (h *HTTPServer) handleTransportStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.link.Statistics()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transport": stats.Transport,
		"queue":     stats.Queue,
	})
}

// handlePlaybackStats implements the /stats/playback endpoint
func (h *HTTPServer) handlePlaybackStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.link.Statistics()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pipeline": stats.Playback,
		"playout":  stats.Playout,
	})
}

// handleActivityStats implements the /stats/activity endpoint
func (h *HTTPServer) handleActivityStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.link.Statistics().Activity)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "IP Talkie voice link",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                "API documentation",
			"GET /health":          "Link health check",
			"GET /config":          "Effective configuration",
			"GET /stats":           "Full link statistics",
			"GET /stats/transport": "Socket and receive queue counters",
			"GET /stats/playback":  "Playback pipeline counters",
			"GET /stats/activity":  "Voice activity in both directions",
			"GET /metrics":         "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
