package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/allaspectsdev/switchyard/internal/fault"
	"github.com/allaspectsdev/switchyard/internal/stream"
)

// WorkflowOptions configure the standard streaming-policy workflow.
type WorkflowOptions struct {
	Policy StreamingPolicy
	// Window is the text coalescing window applied when translating streams.
	Window time.Duration
	// Protocol is the dialect the bound provider speaks on the wire.
	Protocol Dialect
	// Passthrough keeps bodies verbatim on policy/client mismatches instead
	// of going through canonical form.
	Passthrough bool
	// Estimate returns the request-side input token estimate.
	Estimate func(*CanonicalRequest) int
	// CountTokens estimates output tokens for streams without usage.
	CountTokens func(string) int
	// MaxCollect caps the bytes buffered when collecting a stream.
	MaxCollect int64
}

// NewWorkflow builds the standard workflow stage.
func NewWorkflow(opts WorkflowOptions) Workflow {
	if opts.Policy == "" {
		opts.Policy = StreamAuto
	}
	return &policyWorkflow{opts: opts}
}

type policyWorkflow struct {
	opts WorkflowOptions
}

func (w *policyWorkflow) Kind() string { return "policy" }

func (w *policyWorkflow) Plan(ctx context.Context, req *Request, cr *CanonicalRequest) (*Plan, error) {
	plan := &Plan{ClientStream: req.Stream, Window: w.opts.Window}
	switch w.opts.Policy {
	case StreamAlways:
		plan.UpstreamStream = true
	case StreamNever:
		plan.UpstreamStream = false
	default:
		plan.UpstreamStream = req.Stream
	}
	if cr != nil {
		plan.Model = cr.Model
		if w.opts.Estimate != nil {
			plan.InputTokens = w.opts.Estimate(cr)
		}
	}
	return plan, nil
}

func (w *policyWorkflow) Reconcile(ctx context.Context, req *Request, plan *Plan, up *UpstreamReply, filter stream.EventFilter) (*Reply, error) {
	switch {
	case up.Stream != nil && plan.ClientStream:
		seq, err := w.attach(req.Dialect, up.Stream, plan, filter)
		if err != nil {
			return nil, err
		}
		return &Reply{Stream: seq}, nil

	case up.Stream != nil:
		// Policy streamed upstream but the client asked for one body.
		f, err := w.collect(ctx, up.Stream)
		if err != nil {
			return nil, err
		}
		if w.opts.Passthrough {
			return &Reply{Body: w.render(f)}, nil
		}
		return &Reply{Canonical: FromFinal(f)}, nil

	case plan.ClientStream:
		// Policy buffered upstream but the client asked for SSE.
		f, err := w.toFinal(up)
		if err != nil {
			return nil, err
		}
		return &Reply{Stream: w.synthesize(req.Dialect, f, plan)}, nil

	default:
		if w.opts.Passthrough {
			return &Reply{Body: up.Body}, nil
		}
		return &Reply{Canonical: up.Canonical}, nil
	}
}

// attach selects the translation table for a live stream. The chat protocol
// translates to every client dialect; the anthropic protocol only forwards
// to anthropic clients.
func (w *policyWorkflow) attach(client Dialect, src io.ReadCloser, plan *Plan, filter stream.EventFilter) (stream.Sequence, error) {
	opts := stream.Options{
		Window:      plan.Window,
		Model:       plan.Model,
		InputTokens: plan.InputTokens,
		CountTokens: w.opts.CountTokens,
		Filter:      filter,
	}
	switch w.opts.Protocol {
	case DialectChat:
		switch client {
		case DialectChat:
			return stream.NewForwarder(src, filter), nil
		case DialectResponses:
			return stream.NewResponsesCoalescer(src, opts), nil
		case DialectAnthropic:
			return stream.NewAnthropicCoalescer(src, opts), nil
		}
	case DialectAnthropic:
		if client == DialectAnthropic {
			return stream.NewForwarder(src, filter), nil
		}
	}
	return nil, fault.New(fault.DialectTranslationFailed,
		"no streaming translation from %s upstream to %s client", w.opts.Protocol, client)
}

func (w *policyWorkflow) collect(ctx context.Context, src io.ReadCloser) (*stream.Final, error) {
	var (
		f   *stream.Final
		err error
	)
	switch w.opts.Protocol {
	case DialectAnthropic:
		f, err = stream.CollectAnthropic(ctx, src, w.opts.MaxCollect)
	default:
		f, err = stream.CollectChat(ctx, src, w.opts.MaxCollect)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fault.FromContext(ctxErr, 0)
		}
		return nil, fault.Wrap(fault.UpstreamMalformed, err, "collecting upstream stream")
	}
	return f, nil
}

func (w *policyWorkflow) toFinal(up *UpstreamReply) (*stream.Final, error) {
	if !w.opts.Passthrough {
		return up.Canonical.Final(), nil
	}
	var (
		f   *stream.Final
		err error
	)
	switch w.opts.Protocol {
	case DialectAnthropic:
		f, err = stream.FinalFromAnthropicBody(up.Body)
	default:
		f, err = stream.FinalFromChatBody(up.Body)
	}
	if err != nil {
		return nil, fault.Wrap(fault.UpstreamMalformed, err, "parsing buffered upstream body")
	}
	return f, nil
}

func (w *policyWorkflow) render(f *stream.Final) map[string]any {
	if w.opts.Protocol == DialectAnthropic {
		return stream.AnthropicBodyFromFinal(f)
	}
	return stream.ChatBodyFromFinal(f)
}

func (w *policyWorkflow) synthesize(client Dialect, f *stream.Final, plan *Plan) stream.Sequence {
	switch client {
	case DialectResponses:
		return stream.SynthesizeResponses(f)
	case DialectAnthropic:
		return stream.SynthesizeAnthropic(f, plan.InputTokens)
	default:
		return stream.SynthesizeChat(f)
	}
}
