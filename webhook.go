package hookgate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxUploadSize bounds multipart image uploads.
const maxUploadSize = 32 << 20

// MessageSender delivers webhook payloads to their destination room.
type MessageSender interface {
	SendMessage(ctx context.Context, message, room, sender string) error
	SendImage(ctx context.Context, file []byte, filename, mimetype, room, sender, caption string) error
}

// WebhookServer accepts webhook posts and forwards them through a
// MessageSender keyed by the token in the URL.
type WebhookServer struct {
	config   *Config
	sender   MessageSender
	metrics  *Metrics
	registry *prometheus.Registry
}

// NewWebhookServer wires the HTTP surface to the given sender. The registry
// backs the /metrics endpoint and must be the one the metrics were
// registered on.
func NewWebhookServer(config *Config, sender MessageSender, metrics *Metrics, registry *prometheus.Registry) *WebhookServer {
	return &WebhookServer{
		config:   config,
		sender:   sender,
		metrics:  metrics,
		registry: registry,
	}
}

// Router builds the HTTP routes.
func (s *WebhookServer) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	router.HandleFunc("/post/{token:[a-zA-Z0-9]+}", s.handlePost).Methods(http.MethodPost)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *WebhookServer) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.WebhookPort),
		Handler:      s.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info("webhook server listening", zap.Int("port", s.config.WebhookPort))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("webhook server failed: %w", err)
	}
}

func (s *WebhookServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *WebhookServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handlePost is the webhook entry point. The token in the URL selects the
// destination room and the app name used for attribution.
func (s *WebhookServer) handlePost(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	binding, ok := s.config.KnownTokens[token]
	if !ok {
		zlog.Warn("webhook posted with unknown token", zap.String("remote_addr", r.RemoteAddr))
		s.countRequest("unknown_token")
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Token mismatch"})
		return
	}

	zlog.Info("webhook received",
		zap.String("app_name", binding.AppName),
		zap.String("room", binding.Room),
		zap.String("content_type", r.Header.Get("Content-Type")))

	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if strings.HasPrefix(contentType, "multipart/") {
		s.handleImagePost(w, r, binding)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize))
	if err != nil {
		s.countRequest("error")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read request body"})
		return
	}

	switch s.config.MessageFormat {
	case FormatRaw, FormatJSON, FormatYAML:
	default:
		zlog.Error("message format not allowed", zap.String("format", s.config.MessageFormat))
		s.countRequest("unsupported_format")
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]any{"error": "Gateway configured with unknown message format"})
		return
	}

	message, err := s.renderPayload(payload)
	if err != nil {
		s.countRequest("error")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	if err := s.sender.SendMessage(r.Context(), message, binding.Room, binding.AppName); err != nil {
		zlog.Error("failed to deliver webhook message",
			zap.String("room", binding.Room),
			zap.Error(err))
		s.countRequest("delivery_failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "delivery failed"})
		return
	}

	s.countRequest("delivered")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleImagePost accepts a multipart upload carrying an image in the
// "image" or "file" field, with an optional "caption" value.
func (s *WebhookServer) handleImagePost(w http.ResponseWriter, r *http.Request, binding TokenBinding) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		s.countRequest("error")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid multipart form"})
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		file, header, err = r.FormFile("file")
	}
	if err != nil {
		s.countRequest("error")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "No file field"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize))
	if err != nil {
		s.countRequest("error")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read upload"})
		return
	}

	mimetype := header.Header.Get("Content-Type")
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	caption := r.FormValue("caption")

	zlog.Info("webhook image received",
		zap.String("filename", header.Filename),
		zap.String("mimetype", mimetype),
		zap.Int("size", len(data)))

	if err := s.sender.SendImage(r.Context(), data, header.Filename, mimetype, binding.Room, binding.AppName, caption); err != nil {
		zlog.Error("failed to deliver webhook image",
			zap.String("room", binding.Room),
			zap.Error(err))
		s.countRequest("delivery_failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "delivery failed"})
		return
	}

	s.countRequest("delivered")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sent_as": "image", "filename": header.Filename})
}

// renderPayload turns the raw request body into the message text according
// to the configured MESSAGE_FORMAT. Bodies the json/yaml formats cannot
// decode are forwarded as raw text.
func (s *WebhookServer) renderPayload(payload []byte) (string, error) {
	if s.config.MessageFormat == FormatRaw {
		return string(payload), nil
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		zlog.Error("error decoding data as JSON, forwarding raw text", zap.Error(err))
		return string(payload), nil
	}

	// For the json format, a "message" key short-circuits formatting when it
	// carries extractable text.
	if s.config.MessageFormat == FormatJSON {
		if obj, ok := decoded.(map[string]any); ok {
			if text, ok := ExtractMessageText(obj, s.config.AllowUnicode); ok {
				return text, nil
			}
		}
	}

	return FormatMessage(s.config.MessageFormat, s.config.AllowUnicode, decoded)
}

func (s *WebhookServer) countRequest(outcome string) {
	if s.metrics != nil {
		s.metrics.WebhookRequests.WithLabelValues(outcome).Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
