package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/voice-packets-service/internal/config"
	"github.com/skypro1111/voice-packets-service/internal/metrics"
	"github.com/skypro1111/voice-packets-service/internal/stream"
)

// maxBodyBytes limits request bodies on write endpoints
const maxBodyBytes = 4096

// VoiceSessions is the session engine surface exposed over HTTP
type VoiceSessions interface {
	ActiveSpeakers() []int
	SetTimeout(seconds float64) bool
	Timeout() time.Duration
	Sessions() []stream.SessionInfo
	ActiveSessionCount() int
}

// StatisticsProvider reports packet source counters
type StatisticsProvider interface {
	GetStatistics() ServerStatistics
}

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	sessions VoiceSessions
	packets  StatisticsProvider
	events   http.Handler
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
}

// TimeoutRequest is the body of PUT /config/timeout and the response of
// GET /config/timeout
type TimeoutRequest struct {
	Seconds float64 `json:"seconds"`
}

// NewHTTPServer creates a new HTTP API server. events may be nil, in which
// case /events is not served.
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger, sessions VoiceSessions,
	packets StatisticsProvider, events http.Handler, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		sessions:  sessions,
		packets:   packets,
		events:    events,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", appConfig.HTTP.Address, appConfig.HTTP.Port),
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

	// Voice session endpoints
	mux.HandleFunc("/speakers", h.withMetrics("/speakers", h.handleSpeakers))
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/config/timeout", h.withMetrics("/config/timeout", h.handleTimeout))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Websocket upgrades need the unwrapped writer
	if h.events != nil {
		mux.Handle("/events", h.events)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

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

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// ListenAndServe serves the API until Stop is called
func (h *HTTPServer) ListenAndServe() error {
	h.logger.Info("Starting HTTP API server", slog.String("address", h.server.Addr))

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", slog.String("error", err.Error()))
	}
}

func (h *HTTPServer) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	udpStats := h.packets.GetStatistics()

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "voice-packets-service",
			"version": "1.0.0",
		},
		"components": map[string]any{
			"udp_server": map[string]any{
				"status":            "running",
				"packets_received":  udpStats.PacketsReceived,
				"packets_processed": udpStats.PacketsProcessed,
				"parse_errors":      udpStats.ParseErrors,
				"queue_size":        udpStats.QueueSize,
			},
			"stream_manager": map[string]any{
				"status":          "running",
				"active_sessions": h.sessions.ActiveSessionCount(),
				"timeout_seconds": h.sessions.Timeout().Seconds(),
			},
		},
	}

	h.writeJSON(w, http.StatusOK, health)
}

// handleSpeakers implements the /speakers endpoint
func (h *HTTPServer) handleSpeakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	speakers := h.sessions.ActiveSpeakers()

	h.writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(speakers),
		"speakers":  speakers,
		"timestamp": time.Now().UTC(),
	})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.sessions.Sessions()

	h.writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleTimeout implements GET and PUT on /config/timeout
func (h *HTTPServer) handleTimeout(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeJSON(w, http.StatusOK, TimeoutRequest{Seconds: h.sessions.Timeout().Seconds()})

	case http.MethodPut:
		var req TimeoutRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		if !h.sessions.SetTimeout(req.Seconds) {
			h.writeError(w, http.StatusBadRequest, "seconds must be a positive finite number")
			return
		}

		h.writeJSON(w, http.StatusOK, TimeoutRequest{Seconds: h.sessions.Timeout().Seconds()})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := map[string]any{
		"server": map[string]any{
			"udp_port":     h.config.Server.UDPPort,
			"bind_address": h.config.Server.BindAddress,
			"buffer_size":  h.config.Server.BufferSize,
			"workers":      h.config.Server.Workers,
			"queue_size":   h.config.Server.QueueSize,
		},
		"voice": map[string]any{
			// Live value, may differ from the file after PUT /config/timeout
			"timeout_seconds":    h.sessions.Timeout().Seconds(),
			"sweep_interval_ms":  h.config.Voice.SweepIntervalMs,
			"min_participant_id": h.config.Voice.MinParticipantID,
			"max_participant_id": h.config.Voice.MaxParticipantID,
			"sample_rate":        h.config.Voice.SampleRate,
			"bits_per_sample":    h.config.Voice.BitsPerSample,
			"channels":           h.config.Voice.Channels,
		},
		"decoder": map[string]any{
			"max_frame_bytes": h.config.Decoder.MaxFrameBytes,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	h.writeJSON(w, http.StatusOK, cfg)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"udp":       h.packets.GetStatistics(),
		"sessions": map[string]any{
			"active_count":    h.sessions.ActiveSessionCount(),
			"active_speakers": len(h.sessions.ActiveSpeakers()),
		},
	}

	h.writeJSON(w, http.StatusOK, stats)
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

	apiDoc := map[string]any{
		"service": "Voice Packets Service",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"GET /":                "API documentation",
			"GET /health":          "Service health check",
			"GET /speakers":        "Participants currently speaking",
			"GET /sessions":        "Open utterance sessions",
			"GET /config":          "Service configuration",
			"GET /config/timeout":  "Current silence timeout",
			"PUT /config/timeout":  "Set silence timeout, body {\"seconds\": 1.5}",
			"GET /stats":           "Service statistics",
			"GET /events":          "Websocket stream of utterance events",
			"GET /metrics":         "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	h.writeJSON(w, http.StatusOK, apiDoc)
}
