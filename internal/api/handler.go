package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/felipepmaragno/kiro-gateway/internal/auth"
	"github.com/felipepmaragno/kiro-gateway/internal/catalog"
	"github.com/felipepmaragno/kiro-gateway/internal/convert"
	"github.com/felipepmaragno/kiro-gateway/internal/domain"
	"github.com/felipepmaragno/kiro-gateway/internal/eventstream"
	"github.com/felipepmaragno/kiro-gateway/internal/kiro"
	"github.com/felipepmaragno/kiro-gateway/internal/metrics"
	"github.com/felipepmaragno/kiro-gateway/internal/synth"
	"github.com/felipepmaragno/kiro-gateway/internal/telemetry"
)

// Stable "created" stamp for catalog entries; the upstream does not report
// one.
const modelListEpoch = 1700000000

type HandlerConfig struct {
	ProxyAPIKey string
	Auth        *auth.Manager
	Catalog     *catalog.Catalog
	Upstream    *kiro.Client
}

type Handler struct {
	proxyKey string
	auth     *auth.Manager
	catalog  *catalog.Catalog
	upstream *kiro.Client
	mux      *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		proxyKey: cfg.ProxyAPIKey,
		auth:     cfg.Auth,
		catalog:  cfg.Catalog,
		upstream: cfg.Upstream,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.requireKey(h.handleChatCompletions))
	h.mux.HandleFunc("GET /v1/models", h.requireKey(h.handleListModels))
	h.mux.HandleFunc("GET /{$}", h.handleHealth)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := extractBearer(r)
		if key == "" || !keyMatches(h.proxyKey, key) {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "chat.completion")
	defer span.End()
	telemetry.AddRequestAttributes(span, req.Model, requestID, req.Stream)

	internalID, err := h.catalog.Resolve(req.Model)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(req.Model, "unknown_model").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload, diags := convert.ToConversationState(req, internalID, h.auth.ProfileArn(), uuid.New().String())
	for _, d := range diags {
		slog.Warn("request conversion", "detail", d, "request_id", requestID)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	upstream, err := h.upstream.GenerateAssistantResponse(ctx, body)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		h.writeUpstreamError(w, req.Model, requestID, err)
		return
	}
	defer upstream.Close()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	parser := eventstream.NewParser(upstream)
	s := synth.New(req.Model)

	if req.Stream {
		h.streamResponse(ctx, w, s, parser, req.Model, requestID, start, span)
		return
	}

	resp, err := s.Collect(parser)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		slog.Error("upstream stream failed", "error", err, "request_id", requestID)
		metrics.RequestsTotal.WithLabelValues(req.Model, "parse_error").Inc()
		writeError(w, http.StatusBadGateway, "upstream stream malformed")
		return
	}

	h.observe(req.Model, start, resp.Usage, span)
	metrics.RequestsTotal.WithLabelValues(req.Model, "ok").Inc()
	slog.Info("request completed",
		"request_id", requestID,
		"model", req.Model,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	json.NewEncoder(w).Encode(resp)
}

// streamResponse drives the pull chain: parser events become SSE chunks, and
// each chunk is flushed before the next event is requested, so a slow client
// throttles the upstream read.
func (h *Handler) streamResponse(ctx context.Context, w http.ResponseWriter, s *synth.Synthesizer, parser *eventstream.Parser, model, requestID string, start time.Time, span trace.Span) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", requestID)

	var usage *domain.Usage
	err := s.Stream(parser, func(chunk domain.StreamChunk) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if err := synth.WriteSSE(w, chunk); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	switch {
	case err == nil:
		metrics.RequestsTotal.WithLabelValues(model, "ok").Inc()

	case errors.Is(err, context.Canceled):
		// Client went away; the deferred body close tears down the upstream.
		metrics.RequestsTotal.WithLabelValues(model, "client_disconnected").Inc()
		slog.Info("client disconnected mid-stream", "request_id", requestID)
		return

	case errors.Is(err, domain.ErrParse):
		// The terminal error-tagged chunk already went out.
		telemetry.AddErrorAttribute(span, err)
		metrics.RequestsTotal.WithLabelValues(model, "parse_error").Inc()
		slog.Error("upstream stream malformed", "error", err, "request_id", requestID)

	default:
		telemetry.AddErrorAttribute(span, err)
		metrics.RequestsTotal.WithLabelValues(model, "error").Inc()
		slog.Error("streaming failed", "error", err, "request_id", requestID)
		return
	}

	synth.WriteDone(w)
	flusher.Flush()

	h.observe(model, start, usage, span)
	slog.Info("streaming request completed",
		"request_id", requestID,
		"model", model,
		"latency_ms", time.Since(start).Milliseconds(),
	)
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	descriptors := h.catalog.Models(r.Context())

	resp := domain.ModelsResponse{Object: "list", Data: make([]domain.Model, 0, len(descriptors))}
	for _, d := range descriptors {
		resp.Data = append(resp.Data, domain.Model{
			ID:      d.ExternalName,
			Object:  "model",
			Created: modelListEpoch,
			OwnedBy: d.Origin,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) observe(model string, start time.Time, usage *domain.Usage, span trace.Span) {
	metrics.RequestDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
	if usage != nil {
		metrics.TokensTotal.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
		metrics.TokensTotal.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
		telemetry.AddTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens)
	}
}

func extractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}

// keyMatches accepts either a plaintext proxy key (constant-time compare) or
// a bcrypt hash of one.
func keyMatches(configured, presented string) bool {
	if strings.HasPrefix(configured, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, model, requestID string, err error) {
	var statusErr *domain.StatusError

	switch {
	case errors.Is(err, context.Canceled):
		// Client went away before the upstream answered; nothing to write.

	case errors.Is(err, domain.ErrAuthUnavailable):
		metrics.RequestsTotal.WithLabelValues(model, "auth_unavailable").Inc()
		slog.Error("upstream auth unavailable", "error", err, "request_id", requestID)
		writeError(w, http.StatusBadGateway, "upstream authentication unavailable")

	case errors.Is(err, domain.ErrUpstreamUnavailable):
		metrics.RequestsTotal.WithLabelValues(model, "upstream_unavailable").Inc()
		slog.Error("upstream unavailable", "error", err, "request_id", requestID)
		writeError(w, http.StatusBadGateway, "upstream unavailable")

	case errors.As(err, &statusErr) && errors.Is(err, domain.ErrUpstreamRejected):
		metrics.RequestsTotal.WithLabelValues(model, "upstream_rejected").Inc()
		slog.Warn("upstream rejected request", "status", statusErr.Status, "request_id", requestID)
		writeError(w, statusErr.Status, "upstream rejected request")

	default:
		metrics.RequestsTotal.WithLabelValues(model, "error").Inc()
		slog.Error("upstream request failed", "error", err, "request_id", requestID)
		writeError(w, http.StatusBadGateway, "upstream request failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message, "type": "gateway_error"},
	})
}
