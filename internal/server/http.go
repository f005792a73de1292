package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/omni-voice-service/internal/config"
	"github.com/skypro1111/omni-voice-service/internal/gateway"
	"github.com/skypro1111/omni-voice-service/internal/metrics"
	"github.com/skypro1111/omni-voice-service/internal/normalize"
	"github.com/skypro1111/omni-voice-service/internal/notify"
	"github.com/skypro1111/omni-voice-service/internal/pipeline"
	"github.com/skypro1111/omni-voice-service/internal/slot"
)

// multipartMemory is the part of an upload kept in memory while parsing
const multipartMemory = 8 << 20

// Deps are the components the HTTP server exposes
type Deps struct {
	Config     *config.Config
	Pipeline   *pipeline.Pipeline
	Gateway    *gateway.Gateway
	Normalizer *normalize.Normalizer
	Input      *slot.Slot
	Output     *slot.Slot
	Hub        *notify.Hub         // optional
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer // defaults to the default registry
}

// HTTPServer provides the upload, content and monitoring endpoints
type HTTPServer struct {
	server *http.Server
	logger *slog.Logger
	deps   Deps

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(deps Deps, logger *slog.Logger) *HTTPServer {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger.With("component", "http"),
		deps:      deps,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	cfg := deps.Config.HTTP
	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      withCORS(mux),
		ReadTimeout:  cfg.GetReadTimeout(),
		WriteTimeout: cfg.GetWriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the root handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// Addr returns the listen address
func (h *HTTPServer) Addr() string {
	return h.server.Addr
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Capture upload
	mux.HandleFunc("/upload_audio", h.withMetrics("/upload_audio", h.handleUpload))

	// Slot content
	mux.HandleFunc("/recordings/", h.withMetrics("/recordings/{filename}", h.slotHandler(h.deps.Input, "/recordings/")))
	mux.HandleFunc("/answers/", h.withMetrics("/answers/{filename}", h.slotHandler(h.deps.Output, "/answers/")))

	// Monitoring
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))

	// Answer notifications; the connection is hijacked so it bypasses the wrapper
	if h.deps.Hub != nil {
		mux.HandleFunc("/ws", h.deps.Hub.ServeWS)
	}

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		if h.deps.Metrics == nil {
			return
		}
		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.deps.Metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.deps.Metrics.RecordHTTPError(r.Method, endpoint, errorType)
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

// withCORS allows every origin, as browser recorders are served from anywhere
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves until Stop is called
func (h *HTTPServer) ListenAndServe() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

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

// handleUpload implements POST /upload_audio
func (h *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	if limit := h.deps.Config.HTTP.MaxUploadBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Upload exceeds %d bytes", h.deps.Config.HTTP.MaxUploadBytes), "")
			return
		}
		writeError(w, http.StatusBadRequest, "No file part in the request", "")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file part in the request", "")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "No selected file", "")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to read upload: %v", err), "")
		return
	}

	result, err := h.deps.Pipeline.HandleCapture(r.Context(), pipeline.Capture{
		Data:     data,
		MimeType: r.FormValue("mimeType"),
		Filename: header.Filename,
		Duration: r.FormValue("duration"),
	})
	if err != nil {
		writeError(w, statusFor(pipeline.KindOf(err)), errorMessage(err), pipeline.HintOf(err))
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// statusFor maps a pipeline failure kind to an HTTP status
func statusFor(kind pipeline.Kind) int {
	if kind == pipeline.KindBadRequest {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func errorMessage(err error) string {
	switch pipeline.KindOf(err) {
	case pipeline.KindToolUnavailable:
		return fmt.Sprintf("Conversion to WAV requires ffmpeg: %v", err)
	case pipeline.KindBadRequest:
		return fmt.Sprintf("Invalid audio: %v", err)
	case pipeline.KindEngineInit, pipeline.KindInference:
		return fmt.Sprintf("Inference failed: %v", err)
	default:
		return err.Error()
	}
}

// slotHandler serves the canonical file of s. Any other name is a 404.
func (h *HTTPServer) slotHandler(s *slot.Slot, prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// a cached 404 would hide the next occupant
		setNoCache(w.Header())

		name := strings.TrimPrefix(r.URL.Path, prefix)
		f, occ, err := s.Open(name)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				h.logger.Warn("Failed to open slot file",
					slog.String("slot", s.Name()),
					slog.String("error", err.Error()),
				)
			}
			http.NotFound(w, r)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", normalize.WAVMimeType)
		// zero modtime: a new occupant must never be answered with 304
		http.ServeContent(w, r, occ.Filename, time.Time{}, f)
	}
}

func setNoCache(hdr http.Header) {
	hdr.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	hdr.Set("Pragma", "no-cache")
	hdr.Set("Expires", "0")
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	converter := h.deps.Normalizer.Status()
	engine := h.deps.Gateway.Snapshot()

	status := "ok"
	if engine.State == gateway.Failed.String() {
		status = "degraded"
	}

	health := map[string]interface{}{
		"status":              status,
		"timestamp":           time.Now().UTC(),
		"uptime":              time.Since(h.startTime).String(),
		"recordings_dir":      h.deps.Input.Dir(),
		"answers_dir":         h.deps.Output.Dir(),
		"converter_available": converter.Available,
		"omni_initialized":    engine.Initialized,
		"device":              engine.Device,
		"components": map[string]interface{}{
			"converter": converter,
			"engine":    engine,
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.deps.Config
	sanitizedConfig := map[string]interface{}{
		"http": map[string]interface{}{
			"address":          cfg.HTTP.Address,
			"port":             cfg.HTTP.Port,
			"max_upload_bytes": cfg.HTTP.MaxUploadBytes,
			"read_timeout":     cfg.HTTP.ReadTimeout,
			"write_timeout":    cfg.HTTP.WriteTimeout,
		},
		"storage": map[string]interface{}{
			"recordings_dir":  cfg.Storage.RecordingsDir,
			"answers_dir":     cfg.Storage.AnswersDir,
			"input_filename":  cfg.Storage.InputFilename,
			"answer_filename": cfg.Storage.AnswerFilename,
		},
		"audio": map[string]interface{}{
			"sample_rate":          cfg.Audio.SampleRate,
			"channels":             cfg.Audio.Channels,
			"ffmpeg_path":          cfg.Audio.FFmpegPath,
			"default_extension":    cfg.Audio.DefaultExtension,
			"validate_wav_uploads": cfg.Audio.ValidateWAVUploads,
		},
		"engine": map[string]interface{}{
			"backend":          cfg.Engine.Backend,
			"checkpoint":       cfg.Engine.Checkpoint,
			"device":           cfg.Engine.Device,
			"command":          cfg.Engine.Command,
			"endpoint":         cfg.Engine.Endpoint,
			"load_timeout":     cfg.Engine.LoadTimeout,
			"generate_timeout": cfg.Engine.GenerateTimeout,
			// Note: worker args may carry credentials and are omitted
		},
		"logging": map[string]interface{}{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"engine":    h.deps.Gateway.Snapshot(),
		"slots": map[string]interface{}{
			"input":  slotInfo(h.deps.Input),
			"output": slotInfo(h.deps.Output),
		},
	}

	writeJSON(w, http.StatusOK, stats)
}

func slotInfo(s *slot.Slot) map[string]interface{} {
	info := map[string]interface{}{
		"dir":      s.Dir(),
		"filename": s.Filename(),
		"present":  false,
	}
	if occ, err := s.Occupant(); err == nil {
		info["present"] = true
		info["size_bytes"] = occ.Size
		info["modified"] = occ.ModTime.UTC()
	}
	return info
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
		"service": "Omni Voice Answer Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                      "API documentation",
			"POST /upload_audio":         "Upload a capture (multipart: file, mimeType, duration) and get the answer",
			"GET /recordings/{filename}": "Current input waveform (" + h.deps.Input.Filename() + ")",
			"GET /answers/{filename}":    "Current answer waveform (" + h.deps.Output.Filename() + ")",
			"GET /health":                "Service health check",
			"GET /config":                "Get service configuration",
			"GET /stats":                 "Get engine and slot statistics",
			"GET /metrics":               "Prometheus metrics",
			"GET /ws":                    "Websocket feed of answer_ready events (?format=msgpack for binary)",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, hint string) {
	body := map[string]string{"error": msg}
	if hint != "" {
		body["hint"] = hint
	}
	writeJSON(w, status, body)
}
