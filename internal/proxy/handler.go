package proxy

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/switchyard/internal/dialect"
	"github.com/allaspectsdev/switchyard/internal/fault"
	"github.com/allaspectsdev/switchyard/internal/manager"
	"github.com/allaspectsdev/switchyard/internal/metrics"
	"github.com/allaspectsdev/switchyard/internal/pipeline"
	"github.com/allaspectsdev/switchyard/internal/snapshot"
	"github.com/allaspectsdev/switchyard/internal/stream"
	"github.com/allaspectsdev/switchyard/internal/tracing"
)

// HandlerOptions wire the front door to its collaborators. Collector and
// Recorder may be nil; the handler then serves without metrics or exchange
// history.
type HandlerOptions struct {
	Manager     *manager.Manager
	Collector   *metrics.Collector
	Recorder    *snapshot.Recorder
	Classifier  *Classifier
	MaxBodySize int64
	AuthEnabled bool
	AuthToken   string
}

// Handler serves the three dialect endpoints plus models and health.
type Handler struct {
	mgr        *manager.Manager
	collector  *metrics.Collector
	recorder   *snapshot.Recorder
	classifier *Classifier
	maxBody    int64

	authEnabled bool
	authToken   string
}

// NewHandler builds a Handler. A nil classifier classifies everything as
// default.
func NewHandler(opts HandlerOptions) *Handler {
	if opts.Classifier == nil {
		opts.Classifier = &Classifier{}
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 10 << 20
	}
	return &Handler{
		mgr:         opts.Manager,
		collector:   opts.Collector,
		recorder:    opts.Recorder,
		classifier:  opts.Classifier,
		maxBody:     opts.MaxBodySize,
		authEnabled: opts.AuthEnabled,
		authToken:   opts.AuthToken,
	}
}

// HandleChat serves POST /v1/chat/completions.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.DialectChat)
}

// HandleResponses serves POST /v1/responses.
func (h *Handler) HandleResponses(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.DialectResponses)
}

// HandleMessages serves POST /v1/messages.
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.DialectAnthropic)
}

// serve is the shared dialect entry point: decode, classify, dispatch, and
// render buffered or streamed.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, d pipeline.Dialect) {
	requestID := uuid.NewString()
	w.Header().Set("x-request-id", requestID)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeFault(w, d, fault.New(fault.DialectTranslationFailed, "request body is not a JSON object"))
		return
	}

	streamWanted, _ := body["stream"].(bool)
	req := &pipeline.Request{
		ID:         requestID,
		Dialect:    d,
		Category:   h.classifier.Classify(r.Header.Get(CategoryHeader), d, body),
		Body:       body,
		Stream:     streamWanted,
		Debug:      r.Header.Get("x-debug") == "1",
		ReceivedAt: time.Now(),
	}

	tracing.SetRequestAttributes(r.Context(), req.ID, string(d), req.Category, streamWanted)

	if h.collector != nil {
		h.collector.IncrementActive()
		defer h.collector.DecrementActive()
	}

	resp, err := h.mgr.Dispatch(r.Context(), req)
	if err != nil {
		h.finishError(w, req, err)
		return
	}
	if resp.Streaming() {
		h.pump(w, r, req, resp)
		return
	}
	h.finishBuffered(w, req, resp)
}

// finishBuffered writes the buffered client-dialect body and records the
// exchange.
func (h *Handler) finishBuffered(w http.ResponseWriter, req *pipeline.Request, resp *pipeline.Response) {
	elapsed := time.Since(req.ReceivedAt)
	promptTokens, completionTokens := usageTokens(resp.Body)

	writeJSON(w, http.StatusOK, resp.Body)

	label := resp.Provider + "." + resp.Model
	if h.collector != nil {
		h.collector.RecordExchange(label, false, elapsed, promptTokens, completionTokens)
	}
	if h.recorder != nil {
		h.recorder.FlushSuccess(&snapshot.Exchange{
			ID:               req.ID,
			ReceivedAt:       req.ReceivedAt.UTC().Format(time.RFC3339),
			CompletedAt:      time.Now().UTC().Format(time.RFC3339),
			Dialect:          string(req.Dialect),
			Category:         req.Category,
			Pipeline:         label,
			Provider:         resp.Provider,
			Model:            resp.Model,
			Status:           http.StatusOK,
			LatencyMs:        elapsed.Milliseconds(),
			PromptTokens:     int64(promptTokens),
			CompletionTokens: int64(completionTokens),
		})
	}
}

// pump forwards the event sequence to the client. The first written event
// commits the stream; a committed stream is never retried, so mid-stream
// failures become a terminal error event instead.
func (h *Handler) pump(w http.ResponseWriter, r *http.Request, req *pipeline.Request, resp *pipeline.Response) {
	defer resp.Stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writer := stream.NewWriter(w)
	ctx := r.Context()

	for {
		evt, err := resp.Stream.Next(ctx)
		if err == io.EOF {
			h.finishStream(req, resp, nil)
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				// Client went away mid-stream; nothing left to tell it.
				h.finishStream(req, resp, fault.FromContext(ctx.Err(), time.Since(req.ReceivedAt)))
				return
			}
			h.writeStreamError(writer, req.Dialect, err)
			h.finishStream(req, resp, err)
			return
		}

		req.Commit()
		if err := writer.WriteEvent(evt); err != nil {
			log.Debug().Err(err).Str("request_id", req.ID).Msg("client write failed mid-stream")
			h.finishStream(req, resp, fault.New(fault.Cancelled, "client connection lost"))
			return
		}
	}
}

// writeStreamError emits the dialect's terminal error event on an already
// committed stream.
func (h *Handler) writeStreamError(writer *stream.Writer, d pipeline.Dialect, err error) {
	body := dialect.ErrorBody(d, err)

	switch d {
	case pipeline.DialectResponses:
		payload := map[string]any{"type": "response.error", "error": body["error"]}
		writer.WriteEvent(&stream.Event{Event: "response.error", Data: marshal(payload)})
	case pipeline.DialectAnthropic:
		payload := map[string]any{"type": "message_stop", "error": body["error"]}
		writer.WriteEvent(&stream.Event{Event: "message_stop", Data: marshal(payload)})
	default:
		writer.WriteEvent(&stream.Event{Data: marshal(body)})
		writer.WriteEvent(&stream.Event{Data: stream.Terminator})
	}
}

// finishStream records a streamed exchange after the pump stops.
func (h *Handler) finishStream(req *pipeline.Request, resp *pipeline.Response, err error) {
	elapsed := time.Since(req.ReceivedAt)
	label := resp.Provider + "." + resp.Model

	if h.collector != nil {
		if err == nil {
			h.collector.RecordExchange(label, true, elapsed, 0, 0)
		} else {
			h.collector.RecordFault(label, fault.KindOf(err), elapsed)
		}
	}
	if h.recorder == nil {
		return
	}

	ex := &snapshot.Exchange{
		ID:          req.ID,
		ReceivedAt:  req.ReceivedAt.UTC().Format(time.RFC3339),
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
		Dialect:     string(req.Dialect),
		Category:    req.Category,
		Pipeline:    label,
		Provider:    resp.Provider,
		Model:       resp.Model,
		Status:      http.StatusOK,
		LatencyMs:   elapsed.Milliseconds(),
		Streamed:    true,
	}
	if err == nil {
		h.recorder.FlushSuccess(ex)
		return
	}
	ex.FaultKind = string(fault.KindOf(err))
	h.recorder.FlushError(ex)
}

// finishError renders a dispatch failure as the client dialect's error body
// and records the exchange.
func (h *Handler) finishError(w http.ResponseWriter, req *pipeline.Request, err error) {
	elapsed := time.Since(req.ReceivedAt)
	status := fault.HTTPStatus(err)
	kind := fault.KindOf(err)

	fe, _ := fault.As(err)
	if fe != nil && fe.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(fe.RetryAfter.Seconds()))))
	}

	evt := log.Warn().Str("request_id", req.ID).Str("kind", string(kind)).Int("status", status)
	if fe != nil && len(fe.Tried) > 0 {
		evt = evt.Strs("tried", fe.Tried)
	}
	evt.Msg("request failed")

	h.writeFault(w, req.Dialect, err)

	var pipelineID, provider, model string
	retries := 0
	if fe != nil {
		pipelineID = fe.PipelineID
		provider = fe.Provider
		model = fe.Model
		if fe.Attempts > 1 {
			retries = fe.Attempts - 1
		}
	}
	if h.collector != nil {
		h.collector.RecordFault(pipelineID, kind, elapsed)
	}
	if h.recorder != nil {
		h.recorder.FlushError(&snapshot.Exchange{
			ID:          req.ID,
			ReceivedAt:  req.ReceivedAt.UTC().Format(time.RFC3339),
			CompletedAt: time.Now().UTC().Format(time.RFC3339),
			Dialect:     string(req.Dialect),
			Category:    req.Category,
			Pipeline:    pipelineID,
			Provider:    provider,
			Model:       model,
			Status:      status,
			LatencyMs:   elapsed.Milliseconds(),
			Retries:     retries,
			FaultKind:   string(kind),
		})
	}
}

// writeFault writes a dialect-shaped JSON error body.
func (h *Handler) writeFault(w http.ResponseWriter, d pipeline.Dialect, err error) {
	writeJSON(w, fault.HTTPStatus(err), dialect.ErrorBody(d, err))
}

// HandleModels serves GET /v1/models from the pipeline collection, one entry
// per distinct provider/model pair.
func (h *Handler) HandleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}

	seen := make(map[string]bool)
	var models []modelEntry
	for _, bp := range h.mgr.Blueprints() {
		key := bp.ProviderID + "/" + bp.Model
		if seen[key] {
			continue
		}
		seen[key] = true
		models = append(models, modelEntry{ID: bp.Model, Object: "model", OwnedBy: bp.ProviderID})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	if models == nil {
		models = []modelEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

// HandleHealth serves GET /health.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady serves GET /health/ready: 200 when at least one pipeline is
// eligible, 503 otherwise.
func (h *Handler) HandleReady(w http.ResponseWriter, _ *http.Request) {
	if h.mgr.Ready() {
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
}

// requireBearer enforces a constant-time bearer check on the dialect
// endpoints. Health endpoints stay open for probes.
func (h *Handler) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.authToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error": map[string]any{
					"message": "invalid or missing bearer token",
					"type":    "authentication_error",
				},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// usageTokens extracts token accounting from a buffered body in either the
// OpenAI or Anthropic shape.
func usageTokens(body map[string]any) (prompt, completion int) {
	usage, ok := body["usage"].(map[string]any)
	if !ok {
		return 0, 0
	}
	prompt = intField(usage, "prompt_tokens")
	if prompt == 0 {
		prompt = intField(usage, "input_tokens")
	}
	completion = intField(usage, "completion_tokens")
	if completion == 0 {
		completion = intField(usage, "output_tokens")
	}
	return prompt, completion
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func marshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write JSON response")
	}
}
