package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/allaspectsdev/switchyard/internal/fault"
	"github.com/allaspectsdev/switchyard/internal/tracing"
)

// Pipeline is an immutable assembly of the four stage bindings. Built once at
// startup; Process may run concurrently from many request goroutines.
type Pipeline struct {
	id     string
	handle Handle
	mode   ProcessMode
	policy StreamingPolicy

	sw       Switch
	wf       Workflow
	compat   Compat
	provider Provider

	recorder Recorder
	sink     Sink

	mu      sync.RWMutex
	timings map[string]time.Duration
}

// Config assembles a Pipeline. Recorder and Sink are optional.
type Config struct {
	ID       string
	Handle   Handle
	Mode     ProcessMode
	Policy   StreamingPolicy
	Switch   Switch
	Workflow Workflow
	Compat   Compat
	Provider Provider
	Recorder Recorder
	Sink     Sink
}

// New builds a Pipeline from its stage bindings.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		id:       cfg.ID,
		handle:   cfg.Handle,
		mode:     cfg.Mode,
		policy:   cfg.Policy,
		sw:       cfg.Switch,
		wf:       cfg.Workflow,
		compat:   cfg.Compat,
		provider: cfg.Provider,
		recorder: cfg.Recorder,
		sink:     cfg.Sink,
		timings:  make(map[string]time.Duration),
	}
	if p.recorder == nil {
		p.recorder = NopRecorder{}
	}
	if p.sink == nil {
		p.sink = logSink{}
	}
	return p
}

// ID returns the pipeline's handle string.
func (p *Pipeline) ID() string { return p.id }

// Handle returns the provider+model+key tuple this pipeline is bound to.
func (p *Pipeline) Handle() Handle { return p.handle }

// Blueprint describes the static assembly.
func (p *Pipeline) Blueprint() Blueprint {
	bp := Blueprint{
		ID:              p.id,
		Workflow:        p.wf.Kind(),
		Provider:        p.provider.Kind(),
		Protocol:        p.provider.Protocol(),
		StreamingPolicy: p.policy,
		Mode:            p.mode,
		ProviderID:      p.handle.Provider,
		Model:           p.handle.Model,
		KeyID:           p.handle.Key,
	}
	if p.sw != nil {
		bp.Switch = p.sw.Kind()
	}
	if p.compat != nil {
		bp.Compat = p.compat.Kind()
	}
	return bp
}

// recoverStage runs fn inside a deferred recover so a panicking stage cannot
// crash the process; a caught panic becomes an error carrying the stage name.
func recoverStage(stage string, fn func() error) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fault.New(fault.UpstreamMalformed, "stage %s: panic: %v", stage, r)
		}
	}()
	return fn()
}

// Process runs one request through the pipeline. The request direction is
// switch, workflow, compatibility, provider; the response direction is the
// mirror. Passthrough mode skips switch and compatibility both ways.
func (p *Pipeline) Process(ctx context.Context, req *Request) (*Response, error) {
	timings := make(map[string]time.Duration, 8)

	resp, err := p.process(ctx, req, timings)
	if err != nil {
		return nil, err
	}

	resp.RequestID = req.ID
	resp.Dialect = req.Dialect
	resp.Provider = p.handle.Provider
	resp.Model = p.handle.Model
	if req.Debug {
		resp.Timings = timings
	}
	return resp, nil
}

func (p *Pipeline) process(ctx context.Context, req *Request, timings map[string]time.Duration) (*Response, error) {
	if p.mode == ModePassthrough {
		return p.processPassthrough(ctx, req, timings)
	}

	p.snapshot(req.ID, "inbound", req.Body)

	// Switch inbound: client dialect to canonical.
	var cr *CanonicalRequest
	err := p.runStage(ctx, req, StageSwitch, "request", timings, func(ctx context.Context) error {
		var err error
		cr, err = p.sw.Inbound(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Workflow inbound: streaming plan and token estimate.
	var plan *Plan
	err = p.runStage(ctx, req, StageWorkflow, "request", timings, func(ctx context.Context) error {
		var err error
		plan, err = p.wf.Plan(ctx, req, cr)
		return err
	})
	if err != nil {
		return nil, err
	}
	cr.Stream = plan.UpstreamStream

	// Switch encode: canonical to the provider's dialect.
	var upBody map[string]any
	err = p.runStage(ctx, req, StageSwitch, "encode", timings, func(ctx context.Context) error {
		var err error
		upBody, err = p.sw.Encode(ctx, cr)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Compatibility inbound.
	err = p.runStage(ctx, req, StageCompat, "request", timings, func(ctx context.Context) error {
		var err error
		upBody, err = p.compat.PatchRequest(ctx, upBody)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.snapshot(req.ID, "upstream_request", upBody)

	// Provider exchange.
	var up *Upstream
	err = p.runStage(ctx, req, StageProvider, "exchange", timings, func(ctx context.Context) error {
		var err error
		up, err = p.provider.Do(ctx, upBody, req.ID, plan.UpstreamStream)
		return err
	})
	if err != nil {
		return nil, err
	}

	if up.Stream != nil {
		// Streamed upstream: compatibility runs per-event inside the
		// sequence, reconciliation picks the translation table.
		var reply *Reply
		err = p.runStage(ctx, req, StageWorkflow, "response", timings, func(ctx context.Context) error {
			var err error
			reply, err = p.wf.Reconcile(ctx, req, plan, &UpstreamReply{Stream: up.Stream}, p.compat.StreamFilter())
			return err
		})
		if err != nil {
			up.Stream.Close()
			return nil, err
		}
		return p.finish(ctx, req, plan, reply, timings)
	}

	// Buffered upstream: compatibility outbound first, then decode.
	body := up.Body
	err = p.runStage(ctx, req, StageCompat, "response", timings, func(ctx context.Context) error {
		var err error
		body, err = p.compat.PatchResponse(ctx, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.snapshot(req.ID, "upstream_response", body)

	var canonical *CanonicalResponse
	err = p.runStage(ctx, req, StageSwitch, "decode", timings, func(ctx context.Context) error {
		var err error
		canonical, err = p.sw.Decode(ctx, body)
		return err
	})
	if err != nil {
		return nil, err
	}

	var reply *Reply
	err = p.runStage(ctx, req, StageWorkflow, "response", timings, func(ctx context.Context) error {
		var err error
		reply, err = p.wf.Reconcile(ctx, req, plan, &UpstreamReply{Canonical: canonical}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p.finish(ctx, req, plan, reply, timings)
}

// finish renders a reconciled reply for the client. Streams are already in
// the client dialect; buffered replies pass through the outbound switch.
func (p *Pipeline) finish(ctx context.Context, req *Request, plan *Plan, reply *Reply, timings map[string]time.Duration) (*Response, error) {
	if reply.Stream != nil {
		return &Response{Stream: reply.Stream}, nil
	}

	var body map[string]any
	err := p.runStage(ctx, req, StageSwitch, "outbound", timings, func(ctx context.Context) error {
		var err error
		body, err = p.sw.Outbound(ctx, req, reply.Canonical)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.snapshot(req.ID, "outbound", body)
	return &Response{Body: body}, nil
}

// processPassthrough forwards the body verbatim. The streaming policy still
// applies, so a policy/client mismatch collects or synthesizes through the
// neutral form.
func (p *Pipeline) processPassthrough(ctx context.Context, req *Request, timings map[string]time.Duration) (*Response, error) {
	p.snapshot(req.ID, "inbound", req.Body)

	var plan *Plan
	err := p.runStage(ctx, req, StageWorkflow, "request", timings, func(ctx context.Context) error {
		var err error
		plan, err = p.wf.Plan(ctx, req, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	var up *Upstream
	err = p.runStage(ctx, req, StageProvider, "exchange", timings, func(ctx context.Context) error {
		var err error
		up, err = p.provider.Do(ctx, req.Body, req.ID, plan.UpstreamStream)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Matching delivery forms pass the body through untouched; reconciliation
	// only runs when the policy and the client disagree.
	if up.Stream == nil && !plan.ClientStream {
		p.snapshot(req.ID, "outbound", up.Body)
		return &Response{Body: up.Body}, nil
	}
	upstream := &UpstreamReply{Stream: up.Stream, Body: up.Body}

	var reply *Reply
	err = p.runStage(ctx, req, StageWorkflow, "response", timings, func(ctx context.Context) error {
		var err error
		reply, err = p.wf.Reconcile(ctx, req, plan, upstream, nil)
		return err
	})
	if err != nil {
		if up.Stream != nil {
			up.Stream.Close()
		}
		return nil, err
	}
	if reply.Stream != nil {
		return &Response{Stream: reply.Stream}, nil
	}
	if reply.Body != nil {
		p.snapshot(req.ID, "outbound", reply.Body)
		return &Response{Body: reply.Body}, nil
	}
	return nil, fault.New(fault.UpstreamMalformed, "passthrough reconciliation produced no reply")
}

// runStage executes one stage phase with panic recovery, timing, tracing,
// and error tagging.
func (p *Pipeline) runStage(ctx context.Context, req *Request, stage, direction string, timings map[string]time.Duration, fn func(context.Context) error) error {
	stageCtx, span := tracing.StartStageSpan(ctx, stage, direction)
	start := time.Now()

	err := recoverStage(stage, func() error { return fn(stageCtx) })
	elapsed := time.Since(start)

	key := stage
	if direction != "request" {
		key = stage + "." + direction
	}
	timings[key] = elapsed
	p.recordTiming(key, elapsed)
	p.sink.StageDone(req.ID, p.id, stage, direction, elapsed, err)

	if err != nil {
		tracing.RecordError(stageCtx, err)
		span.End()
		return p.tag(err, stage, req.ID)
	}
	span.End()
	return nil
}

// tag stamps pipeline, stage, and request identity onto a fault without
// overwriting tags set closer to the failure.
func (p *Pipeline) tag(err error, stage, requestID string) error {
	fe, ok := fault.As(err)
	if !ok {
		fe = fault.Wrap(fault.UpstreamMalformed, err, "stage %s failed", stage)
		err = fe
	}
	if fe.PipelineID == "" {
		fe.PipelineID = p.id
	}
	if fe.Stage == "" {
		fe.Stage = stage
	}
	if fe.RequestID == "" {
		fe.RequestID = requestID
	}
	return err
}

// snapshot records a payload digest for one phase. The digest never contains
// payload bytes, so secrets cannot leak through the recorder.
func (p *Pipeline) snapshot(requestID, phase string, body map[string]any) {
	if body == nil {
		return
	}
	p.recorder.RecordSnapshot(requestID, p.id, phase, digest(body))
}

func digest(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Timings returns a snapshot of the latest per-stage execution times.
func (p *Pipeline) Timings() map[string]time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snapshot := make(map[string]time.Duration, len(p.timings))
	for k, v := range p.timings {
		snapshot[k] = v
	}
	return snapshot
}

func (p *Pipeline) recordTiming(key string, d time.Duration) {
	p.mu.Lock()
	p.timings[key] = d
	p.mu.Unlock()
}
