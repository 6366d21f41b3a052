package pipeline

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/switchyard/internal/stream"
)

// Stage kind names used in error tags, timings, and traces.
const (
	StageSwitch   = "switch"
	StageWorkflow = "workflow"
	StageCompat   = "compatibility"
	StageProvider = "provider"
)

// Switch owns dialect translation at both ends of the pipeline: client body
// to canonical form on the way in, canonical form to the provider's dialect
// before the upstream call, and the reverse on the way back.
type Switch interface {
	Kind() string

	// Inbound translates the client-dialect body into canonical form.
	Inbound(ctx context.Context, req *Request) (*CanonicalRequest, error)

	// Encode renders the canonical request in the provider's dialect.
	Encode(ctx context.Context, cr *CanonicalRequest) (map[string]any, error)

	// Decode folds a buffered provider-dialect reply into canonical form.
	Decode(ctx context.Context, body map[string]any) (*CanonicalResponse, error)

	// Outbound renders a canonical response in the client's dialect.
	Outbound(ctx context.Context, req *Request, resp *CanonicalResponse) (map[string]any, error)
}

// Plan is the workflow stage's decision for one request.
type Plan struct {
	ClientStream   bool
	UpstreamStream bool
	InputTokens    int
	Window         time.Duration
	Model          string
}

// UpstreamReply carries the provider's reply into reconciliation: a decoded
// canonical body for buffered exchanges, the raw SSE body for streamed ones,
// or the verbatim body map in passthrough mode.
type UpstreamReply struct {
	Canonical *CanonicalResponse
	Stream    io.ReadCloser
	Body      map[string]any
}

// Reply is the workflow stage's reconciled output: a canonical body the
// switch will render for the client, a ready client-dialect sequence, or a
// verbatim body map in passthrough mode.
type Reply struct {
	Canonical *CanonicalResponse
	Stream    stream.Sequence
	Body      map[string]any
}

// Workflow applies the streaming policy: it plans whether the upstream
// exchange streams, and reconciles the upstream result with what the client
// asked for, attaching a coalescer, collecting a stream, or synthesizing one.
type Workflow interface {
	Kind() string
	Plan(ctx context.Context, req *Request, cr *CanonicalRequest) (*Plan, error)
	Reconcile(ctx context.Context, req *Request, plan *Plan, up *UpstreamReply, filter stream.EventFilter) (*Reply, error)
}

// Compat applies provider-specific quirk rewrites. Patches are pure functions
// of the body and the patch configuration; they never touch the network or
// disk.
type Compat interface {
	Kind() string
	PatchRequest(ctx context.Context, body map[string]any) (map[string]any, error)
	PatchResponse(ctx context.Context, body map[string]any) (map[string]any, error)

	// StreamFilter returns a per-event hook for streamed responses, or nil
	// when the patch is buffered-only.
	StreamFilter() stream.EventFilter
}

// Upstream is the raw outcome of one provider exchange.
type Upstream struct {
	Body   map[string]any
	Stream io.ReadCloser
	Status int
	Header http.Header
}

// Provider performs one HTTP exchange against one upstream endpoint. When
// streaming, the body is exposed unbuffered; callers own closing it.
type Provider interface {
	Kind() string
	Protocol() Dialect
	Do(ctx context.Context, body map[string]any, requestID string, streaming bool) (*Upstream, error)
}

// Recorder receives stage snapshot records. Payloads are digested before
// recording; secrets never reach a Recorder.
type Recorder interface {
	RecordSnapshot(requestID, pipelineID, phase, digest string)
}

// NopRecorder discards all snapshots.
type NopRecorder struct{}

func (NopRecorder) RecordSnapshot(requestID, pipelineID, phase, digest string) {}

// Sink receives stage lifecycle events.
type Sink interface {
	StageDone(requestID, pipelineID, stage, direction string, elapsed time.Duration, err error)
}

// logSink is the default Sink, writing stage events to the global logger.
type logSink struct{}

func (logSink) StageDone(requestID, pipelineID, stage, direction string, elapsed time.Duration, err error) {
	evt := log.Debug()
	if err != nil {
		evt = log.Warn().Err(err)
	}
	evt.
		Str("request_id", requestID).
		Str("pipeline_id", pipelineID).
		Str("stage", stage).
		Str("direction", direction).
		Dur("elapsed", elapsed).
		Msg("stage done")
}
